package udi

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snapetech/streamqc/internal/safeurl"
)

// Aggregator is the subset of the Aggregator Client (C1) that UDI needs to
// refresh its snapshot. Defined here (not imported from internal/aggregator)
// so udi has no dependency on the transport layer; internal/aggregator's
// client satisfies this interface.
type Aggregator interface {
	FetchChannels(ctx context.Context) ([]Channel, error)
	FetchChannelByID(ctx context.Context, id int) (Channel, error)
	FetchStreams(ctx context.Context) ([]Stream, error)
	FetchGroups(ctx context.Context) ([]ChannelGroup, error)
	FetchLogos(ctx context.Context) ([]Logo, error)
	FetchProviders(ctx context.Context) ([]Provider, error)
	FetchChannelProfiles(ctx context.Context) ([]Profile, error)
	FetchProxyStatus(ctx context.Context) (map[string]ProxyStatus, error)
}

// CheckingCounter reports the number of probes currently in flight against a
// provider. Implemented by internal/limiter and injected here so UDI's
// check_stream_can_run (spec.md §4.2, §4.5) can apply the same
// active+checking arithmetic the limiter itself uses, without udi importing
// limiter.
type CheckingCounter interface {
	Checking(providerID int) int
}

const proxyStatusTTL = 5 * time.Second

// UDI is the Universal Data Index (C2). Indexes are rebuilt off to the side
// on every bulk refresh and swapped in under a single write lock, so readers
// always see either the old snapshot or the new one (spec.md §4.2, §5).
type UDI struct {
	agg     Aggregator
	checker CheckingCounter
	store   *Store

	mu           sync.RWMutex
	channels     map[int]Channel
	streams      map[int]Stream
	streamsByURL map[string]int
	groups       map[int]ChannelGroup
	logos        map[int]Logo
	providers    map[int]Provider
	profiles     map[int]Profile
	metadata     Metadata

	proxyMu     sync.Mutex
	proxyCache  map[string]ProxyStatus
	proxyAt     time.Time
}

// New constructs an empty UDI backed by agg for refreshes and store for
// persistence. SetCheckingCounter must be called before CheckStreamCanRun is
// used in anger (it is nil-safe: a nil checker means "no probes in flight").
func New(agg Aggregator, store *Store) *UDI {
	return &UDI{
		agg:          agg,
		store:        store,
		channels:     map[int]Channel{},
		streams:      map[int]Stream{},
		streamsByURL: map[string]int{},
		groups:       map[int]ChannelGroup{},
		logos:        map[int]Logo{},
		providers:    map[int]Provider{},
		profiles:     map[int]Profile{},
		metadata:     Metadata{SchemaVersion: 1, LastRefreshUnix: map[string]int64{}},
	}
}

// SetCheckingCounter wires the concurrency limiter's in-flight-probe counts
// into UDI's profile-availability checks.
func (u *UDI) SetCheckingCounter(c CheckingCounter) { u.checker = c }

// ---- Reads ----

func (u *UDI) GetChannels() []Channel {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Channel, 0, len(u.channels))
	for _, c := range u.channels {
		out = append(out, c)
	}
	return out
}

func (u *UDI) GetChannelByID(id int) (Channel, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	c, ok := u.channels[id]
	return c, ok
}

func (u *UDI) GetStreams() []Stream {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Stream, 0, len(u.streams))
	for _, s := range u.streams {
		out = append(out, s)
	}
	return out
}

func (u *UDI) GetStreamByID(id int) (Stream, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	s, ok := u.streams[id]
	return s, ok
}

func (u *UDI) GetStreamByURL(url string) (Stream, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	id, ok := u.streamsByURL[url]
	if !ok {
		return Stream{}, false
	}
	return u.streams[id], true
}

func (u *UDI) GetGroups() []ChannelGroup {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]ChannelGroup, 0, len(u.groups))
	for _, g := range u.groups {
		out = append(out, g)
	}
	return out
}

func (u *UDI) GetLogos() []Logo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Logo, 0, len(u.logos))
	for _, l := range u.logos {
		out = append(out, l)
	}
	return out
}

func (u *UDI) GetProviders() []Provider {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Provider, 0, len(u.providers))
	for _, p := range u.providers {
		out = append(out, p)
	}
	return out
}

func (u *UDI) GetProviderByID(id int) (Provider, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	p, ok := u.providers[id]
	return p, ok
}

func (u *UDI) GetChannelProfiles() []Profile {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]Profile, 0, len(u.profiles))
	for _, p := range u.profiles {
		out = append(out, p)
	}
	return out
}

// GetChannelStreams returns the channel's streams in its play order
// (spec.md §4.2). Unknown stream ids in the channel's Streams list are
// skipped (the aggregator is the source of truth; a stale id will be
// corrected on the next refresh).
func (u *UDI) GetChannelStreams(channelID int) ([]Stream, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	ch, ok := u.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("udi: unknown channel %d", channelID)
	}
	out := make([]Stream, 0, len(ch.Streams))
	for _, sid := range ch.Streams {
		if s, ok := u.streams[sid]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// GetValidStreamIDs returns the set of stream ids currently known to UDI
// (testable property #2: membership here iff present in the streams list).
func (u *UDI) GetValidStreamIDs() map[int]struct{} {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make(map[int]struct{}, len(u.streams))
	for id := range u.streams {
		out[id] = struct{}{}
	}
	return out
}

func (u *UDI) HasCustomStreams() bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, s := range u.streams {
		if s.IsCustom {
			return true
		}
	}
	return false
}

// ---- Refresh ----

func (u *UDI) RefreshAll(ctx context.Context) error {
	if err := u.RefreshProviders(ctx); err != nil {
		return err
	}
	if err := u.RefreshChannelProfiles(ctx); err != nil {
		return err
	}
	if err := u.RefreshGroups(ctx); err != nil {
		return err
	}
	if err := u.RefreshLogos(ctx); err != nil {
		return err
	}
	if err := u.RefreshStreams(ctx); err != nil {
		return err
	}
	return u.RefreshChannels(ctx)
}

func (u *UDI) RefreshChannels(ctx context.Context) error {
	fresh, err := u.agg.FetchChannels(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh channels: %w", err)
	}
	next := make(map[int]Channel, len(fresh))
	u.mu.RLock()
	for _, c := range fresh {
		if c.UUID == "" {
			if existing, ok := u.channels[c.ID]; ok && existing.UUID != "" {
				c.UUID = existing.UUID
			} else {
				c.UUID = uuid.NewString()
			}
		}
		next[c.ID] = c
	}
	u.mu.RUnlock()
	u.mu.Lock()
	u.channels = next
	u.touch("channels")
	u.mu.Unlock()
	return u.persist()
}

// RefreshChannelByID is the cheap hot-path update used after a PATCH
// (spec.md §4.2).
func (u *UDI) RefreshChannelByID(ctx context.Context, id int) error {
	c, err := u.agg.FetchChannelByID(ctx, id)
	if err != nil {
		return fmt.Errorf("udi: refresh channel %d: %w", id, err)
	}
	u.mu.Lock()
	if existing, ok := u.channels[id]; ok && existing.UUID != "" {
		c.UUID = existing.UUID
	} else if c.UUID == "" {
		c.UUID = uuid.NewString()
	}
	u.channels[id] = c
	u.touch("channels")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) RefreshStreams(ctx context.Context) error {
	fresh, err := u.agg.FetchStreams(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh streams: %w", err)
	}
	nextByID := make(map[int]Stream, len(fresh))
	nextByURL := make(map[string]int, len(fresh))
	for _, s := range fresh {
		nextByID[s.ID] = s
		nextByURL[s.URL] = s.ID
	}
	u.mu.Lock()
	u.streams = nextByID
	u.streamsByURL = nextByURL
	u.touch("streams")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) RefreshGroups(ctx context.Context) error {
	fresh, err := u.agg.FetchGroups(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh groups: %w", err)
	}
	next := make(map[int]ChannelGroup, len(fresh))
	for _, g := range fresh {
		next[g.ID] = g
	}
	u.mu.Lock()
	u.groups = next
	u.touch("groups")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) RefreshLogos(ctx context.Context) error {
	fresh, err := u.agg.FetchLogos(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh logos: %w", err)
	}
	next := make(map[int]Logo, len(fresh))
	for _, l := range fresh {
		next[l.ID] = l
	}
	u.mu.Lock()
	u.logos = next
	u.touch("logos")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) RefreshProviders(ctx context.Context) error {
	fresh, err := u.agg.FetchProviders(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh providers: %w", err)
	}
	next := make(map[int]Provider, len(fresh))
	for _, p := range fresh {
		next[p.ID] = p
	}
	u.mu.Lock()
	u.providers = next
	u.touch("providers")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) RefreshChannelProfiles(ctx context.Context) error {
	fresh, err := u.agg.FetchChannelProfiles(ctx)
	if err != nil {
		return fmt.Errorf("udi: refresh channel profiles: %w", err)
	}
	next := make(map[int]Profile, len(fresh))
	for _, p := range fresh {
		next[p.ID] = p
	}
	u.mu.Lock()
	u.profiles = next
	u.touch("channel_profiles")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) touch(entity string) {
	u.metadata.LastRefreshUnix[entity] = time.Now().Unix()
}

// ---- Write-through ----

// UpdateChannel mutates the channel in place (after the caller has already
// PATCHed the aggregator) and persists the snapshot (spec.md §4.2).
func (u *UDI) UpdateChannel(id int, mutate func(*Channel)) error {
	u.mu.Lock()
	c, ok := u.channels[id]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("udi: update channel: unknown id %d", id)
	}
	mutate(&c)
	u.channels[id] = c
	u.touch("channels")
	u.mu.Unlock()
	return u.persist()
}

// UpdateStream mutates the stream in place and persists the snapshot.
func (u *UDI) UpdateStream(id int, mutate func(*Stream)) error {
	u.mu.Lock()
	s, ok := u.streams[id]
	if !ok {
		u.mu.Unlock()
		return fmt.Errorf("udi: update stream: unknown id %d", id)
	}
	oldURL := s.URL
	mutate(&s)
	u.streams[id] = s
	if s.URL != oldURL {
		delete(u.streamsByURL, oldURL)
		u.streamsByURL[s.URL] = id
	}
	u.touch("streams")
	u.mu.Unlock()
	return u.persist()
}

func (u *UDI) persist() error {
	if u.store == nil {
		return nil
	}
	u.mu.RLock()
	snap := Snapshot{
		Channels:  valuesOf(u.channels),
		Streams:   valuesOf(u.streams),
		Groups:    valuesOf(u.groups),
		Logos:     valuesOf(u.logos),
		Providers: valuesOf(u.providers),
		Profiles:  valuesOf(u.profiles),
		Metadata:  u.metadata,
	}
	u.mu.RUnlock()
	return u.store.Save(snap)
}

// Load restores state from the on-disk snapshot (used at startup so the
// engine has a last-known-good view before the first aggregator refresh
// completes).
func (u *UDI) Load() error {
	if u.store == nil {
		return nil
	}
	snap, err := u.store.Load()
	if err != nil {
		return err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.channels = indexByID(snap.Channels, func(c Channel) int { return c.ID })
	u.streams = indexByID(snap.Streams, func(s Stream) int { return s.ID })
	u.streamsByURL = map[string]int{}
	for id, s := range u.streams {
		u.streamsByURL[s.URL] = id
	}
	u.groups = indexByID(snap.Groups, func(g ChannelGroup) int { return g.ID })
	u.logos = indexByID(snap.Logos, func(l Logo) int { return l.ID })
	u.providers = indexByID(snap.Providers, func(p Provider) int { return p.ID })
	u.profiles = indexByID(snap.Profiles, func(p Profile) int { return p.ID })
	if snap.Metadata.LastRefreshUnix != nil {
		u.metadata = snap.Metadata
	}
	return nil
}

func valuesOf[K comparable, V any](m map[K]V) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

func indexByID[T any](items []T, key func(T) int) map[int]T {
	out := make(map[int]T, len(items))
	for _, it := range items {
		out[key(it)] = it
	}
	return out
}

// ---- Profile / live ----

// refreshProxyCache refetches the aggregator's proxy-status map if the
// cached copy is older than proxyStatusTTL (spec.md §4.2: "short-TTL ≈5s
// cache").
func (u *UDI) refreshProxyCache(ctx context.Context) (map[string]ProxyStatus, error) {
	u.proxyMu.Lock()
	defer u.proxyMu.Unlock()
	if u.proxyCache != nil && time.Since(u.proxyAt) < proxyStatusTTL {
		return u.proxyCache, nil
	}
	fresh, err := u.agg.FetchProxyStatus(ctx)
	if err != nil {
		if u.proxyCache != nil {
			return u.proxyCache, nil // serve stale rather than fail the caller
		}
		return nil, err
	}
	u.proxyCache = fresh
	u.proxyAt = time.Now()
	return fresh, nil
}

// IsChannelActive implements spec.md §4.2/§4.8's "active iff proxy-status
// marks its state active" check used by the pipeline's limit check.
func (u *UDI) IsChannelActive(ctx context.Context, channelID int) (bool, error) {
	m, err := u.refreshProxyCache(ctx)
	if err != nil {
		return false, err
	}
	st, ok := m[strconv.Itoa(channelID)]
	if !ok {
		return false, nil
	}
	return st.Active(), nil
}

// GetActiveStreamsForProvider implements the active-count rule from
// spec.md §4.2: a channel counts as using profile P of provider A iff
// proxy-status marks it active AND its m3u_profile_id equals P; this sums
// such channels across every profile of provider A.
func (u *UDI) GetActiveStreamsForProvider(ctx context.Context, providerID int) (int, error) {
	m, err := u.refreshProxyCache(ctx)
	if err != nil {
		return 0, err
	}
	u.mu.RLock()
	profileIDs := map[int]struct{}{}
	for _, p := range u.profiles {
		if p.ProviderID == providerID {
			profileIDs[p.ID] = struct{}{}
		}
	}
	u.mu.RUnlock()
	count := 0
	for _, st := range m {
		if !st.Active() {
			continue
		}
		if _, ok := profileIDs[st.M3UProfileID]; ok {
			count++
		}
	}
	return count, nil
}

// ActiveStreamsForProvider satisfies limiter.CapacitySource by delegating to
// GetActiveStreamsForProvider.
func (u *UDI) ActiveStreamsForProvider(ctx context.Context, providerID int) (int, error) {
	return u.GetActiveStreamsForProvider(ctx, providerID)
}

// EffectiveCapacity satisfies limiter.CapacitySource: the provider's
// effective capacity per the Provider invariant (spec.md §3), or (0, false)
// if providerID is unknown.
func (u *UDI) EffectiveCapacity(providerID int) (int, bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	p, ok := u.providers[providerID]
	if !ok {
		return 0, false
	}
	return p.EffectiveCapacity(), true
}

// backrefRe matches a "$" followed by a run of up to two digits: spec.md
// line 77's $1..$99 backreference syntax.
var backrefRe = regexp.MustCompile(`\$([0-9]{1,2})`)

// rewriteBackreferences rewrites $N backreferences (1..99) in replace to Go
// regexp's ${N} form, disambiguating multi-digit runs against numSubexp (the
// search pattern's actual capture-group count) the way host engines that
// support $1-$99 do: for a two-digit run, prefer the full two-digit group
// number if it names a real group, else fall back to the one-digit group
// number with the remaining digit left as literal text, else leave the
// whole run untouched (escaping the "$" so Go doesn't try to expand it).
func rewriteBackreferences(replace string, numSubexp int) string {
	return backrefRe.ReplaceAllStringFunc(replace, func(m string) string {
		digits := m[1:]
		if len(digits) == 2 {
			if full, err := strconv.Atoi(digits); err == nil && full >= 1 && full <= numSubexp {
				return "${" + digits + "}"
			}
			if first, err := strconv.Atoi(digits[:1]); err == nil && first >= 1 && first <= numSubexp {
				return "${" + digits[:1] + "}" + digits[1:]
			}
			return "$$" + digits
		}
		if first, err := strconv.Atoi(digits); err == nil && first >= 1 && first <= numSubexp {
			return "${" + digits + "}"
		}
		return "$$" + digits
	})
}

// ApplyProfileURLTransformation implements the precise URL-transformation
// rule of spec.md §4.2. A nil profile, or one with an empty search or
// replace pattern, means "no transformation".
func ApplyProfileURLTransformation(original string, profile *Profile) string {
	if profile == nil {
		return original
	}
	search := strings.TrimSpace(profile.SearchPattern)
	replace := strings.TrimSpace(profile.ReplacePattern)
	if search == "" || replace == "" {
		return original
	}
	re, err := regexp.Compile(search)
	if err != nil || !re.MatchString(original) {
		return original
	}
	goReplace := rewriteBackreferences(replace, re.NumSubexp())
	result := re.ReplaceAllString(original, goReplace)
	if !safeurl.IsStreamScheme(result) {
		return original
	}
	return result
}

// FindAvailableProfileForStream enumerates the stream's provider's profiles
// and returns the first one with a free slot (active+checking < max),
// honoring the per-profile budget spec.md §4.2/§4.5 describe. Returns
// (nil, false) if the stream has no provider, the provider has no profiles,
// or every profile is saturated.
func (u *UDI) FindAvailableProfileForStream(ctx context.Context, stream Stream) (*Profile, bool) {
	avail := u.AvailableProfilesForStream(ctx, stream)
	if len(avail) == 0 {
		return nil, false
	}
	p := avail[0]
	return &p, true
}

// AvailableProfilesForStream returns every active profile belonging to the
// stream's provider that currently has a free slot, ordered by profile id
// ascending — the order spec.md §4.5 phase 1 enumerates profiles in
// ("the stream's provider's currently available profiles in order").
// Returns nil if the stream has no provider or no profile currently has a
// free slot.
func (u *UDI) AvailableProfilesForStream(ctx context.Context, stream Stream) []Profile {
	if stream.ProviderID == nil {
		return nil
	}
	u.mu.RLock()
	var candidates []Profile
	for _, p := range u.profiles {
		if p.ProviderID == *stream.ProviderID && p.IsActive {
			candidates = append(candidates, p)
		}
	}
	u.mu.RUnlock()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var available []Profile
	for _, p := range candidates {
		if u.profileHasSlot(ctx, p) {
			available = append(available, p)
		}
	}
	return available
}

func (u *UDI) profileHasSlot(ctx context.Context, p Profile) bool {
	if p.MaxStreams == 0 {
		return true
	}
	active, err := u.GetActiveStreamsForProvider(ctx, p.ProviderID)
	if err != nil {
		active = 0
	}
	checking := 0
	if u.checker != nil {
		checking = u.checker.Checking(p.ProviderID)
	}
	return active+checking < p.MaxStreams
}

// CheckStreamCanRun implements spec.md §4.5's profile-aware pre-check: true
// unless the stream has a provider and every one of its active profiles is
// saturated.
func (u *UDI) CheckStreamCanRun(ctx context.Context, stream Stream) (bool, string) {
	if stream.ProviderID == nil {
		return true, ""
	}
	u.mu.RLock()
	provider, ok := u.providers[*stream.ProviderID]
	u.mu.RUnlock()
	if !ok {
		return true, ""
	}
	if len(provider.Profiles) == 0 {
		if provider.MaxStreams == 0 {
			return true, ""
		}
		active, err := u.GetActiveStreamsForProvider(ctx, provider.ID)
		if err != nil {
			active = 0
		}
		checking := 0
		if u.checker != nil {
			checking = u.checker.Checking(provider.ID)
		}
		if active+checking < provider.MaxStreams {
			return true, ""
		}
		return false, "account at capacity"
	}
	if _, ok := u.FindAvailableProfileForStream(ctx, stream); ok {
		return true, ""
	}
	return false, "All profiles for provider are at capacity"
}

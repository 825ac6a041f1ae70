package discovery

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/downfa11-org/cursus-client/util"
)

// TopicLister is the slice of the transport needed for discovery.
type TopicLister interface {
	GetPartitions(topic string) (int, error)
	ListTopics() ([]string, error)
}

// Event reports the topics added and removed since the previous discovery
// round.
type Event struct {
	Added   []string
	Removed []string
}

// Discovery resolves logical topic names and patterns into concrete
// partition topic names. Exact names are queried once and cached.
type Discovery struct {
	lister TopicLister

	mu    sync.Mutex
	cache map[string][]string
}

func NewDiscovery(lister TopicLister) *Discovery {
	return &Discovery{
		lister: lister,
		cache:  make(map[string][]string),
	}
}

// PartitionName returns the synthetic topic name of one shard of a
// partitioned topic.
func PartitionName(topic string, idx int) string {
	return fmt.Sprintf("%s-partition-%d", topic, idx)
}

// Resolve expands an exact topic name into its ordered partition topic
// names: N synthetic names for N>1 partitions, the name itself otherwise.
func (d *Discovery) Resolve(topic string) ([]string, error) {
	d.mu.Lock()
	if cached, ok := d.cache[topic]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	n, err := d.lister.GetPartitions(topic)
	if err != nil {
		return nil, fmt.Errorf("get partitions for %s: %w", topic, err)
	}

	var resolved []string
	if n > 1 {
		resolved = make([]string, n)
		for i := 0; i < n; i++ {
			resolved[i] = PartitionName(topic, i)
		}
	} else {
		resolved = []string{topic}
	}

	d.mu.Lock()
	d.cache[topic] = resolved
	d.mu.Unlock()
	return resolved, nil
}

// ResolvePattern matches the pattern against the currently existing logical
// topics and expands every match into its partitions.
func (d *Discovery) ResolvePattern(pattern *regexp.Regexp) ([]string, error) {
	names, err := d.lister.ListTopics()
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	sort.Strings(names)

	var resolved []string
	for _, name := range names {
		if !pattern.MatchString(name) {
			continue
		}
		partitions, err := d.Resolve(name)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, partitions...)
	}
	return resolved, nil
}

// Watcher re-runs pattern discovery on an interval and emits added/removed
// topic events so the owning consumer can start or stop per-partition
// sub-consumers.
type Watcher struct {
	d        *Discovery
	pattern  *regexp.Regexp
	interval time.Duration

	events chan Event
	known  map[string]struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Watch starts periodic discovery for the pattern. The initial topic set is
// resolved synchronously and seeds the known set; changes stream out as
// events.
func (d *Discovery) Watch(pattern *regexp.Regexp, interval time.Duration) (*Watcher, []string, error) {
	initial, err := d.ResolvePattern(pattern)
	if err != nil {
		return nil, nil, err
	}

	w := &Watcher{
		d:        d,
		pattern:  pattern,
		interval: interval,
		events:   make(chan Event, 16),
		known:    make(map[string]struct{}, len(initial)),
		stopCh:   make(chan struct{}),
	}
	for _, name := range initial {
		w.known[name] = struct{}{}
	}

	w.wg.Add(1)
	go w.run()
	return w, initial, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.events
}

func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
		return
	default:
	}
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Watcher) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.rediscover()
		}
	}
}

func (w *Watcher) rediscover() {
	resolved, err := w.d.ResolvePattern(w.pattern)
	if err != nil {
		util.Warn("pattern discovery failed: %v", err)
		return
	}

	current := make(map[string]struct{}, len(resolved))
	var ev Event
	for _, name := range resolved {
		current[name] = struct{}{}
		if _, ok := w.known[name]; !ok {
			ev.Added = append(ev.Added, name)
		}
	}
	for name := range w.known {
		if _, ok := current[name]; !ok {
			ev.Removed = append(ev.Removed, name)
		}
	}

	if len(ev.Added) == 0 && len(ev.Removed) == 0 {
		return
	}
	sort.Strings(ev.Added)
	sort.Strings(ev.Removed)
	w.known = current

	select {
	case w.events <- ev:
	case <-w.stopCh:
	}
}

package mesh

import (
	"context"
	"sync"
)

// LocalTransport is the default Transport: a single-node stand-in that
// tracks requested placement in memory and never reports membership
// changes. It lets cortexd run the full replication driver code path with
// mesh config present but no real multi-master backend wired in yet.
type LocalTransport struct {
	mu        sync.Mutex
	placement map[string][]string
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{placement: make(map[string][]string)}
}

func (t *LocalTransport) Converge(ctx context.Context, table string, members []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.placement[table] = append([]string{}, members...)
	return nil
}

func (t *LocalTransport) Watch(ctx context.Context) (<-chan MembershipEvent, error) {
	ch := make(chan MembershipEvent)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Placement returns the members LocalTransport last converged table onto,
// for tests.
func (t *LocalTransport) Placement(table string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.placement[table]
}

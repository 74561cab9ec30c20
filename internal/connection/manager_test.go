package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drksbr/cloudrelay/internal/kvstore"
	"github.com/drksbr/cloudrelay/internal/logger"
	"github.com/drksbr/cloudrelay/internal/repository"
)

func newRepo() *repository.Memory {
	repo := repository.NewMemory()
	repo.PutDevice(repository.Device{ID: "dev-1", UUID: "uuid-1", Secret: "s3cret", AccountID: "acme"})
	return repo
}

func newManager(store kvstore.Store) *Manager {
	return NewManager(store, newRepo(), Config{ServerAddress: "node-a:8443"}, logger.Discard())
}

type brokenStore struct{ kvstore.Store }

var errDown = errors.New("store down")

func (brokenStore) TTL(context.Context, string) (time.Duration, error) { return 0, errDown }
func (brokenStore) SetNX(context.Context, string, string, time.Duration) (bool, error) {
	return false, errDown
}
func (brokenStore) ExpireGet(context.Context, string, time.Duration) (string, error) {
	return "", errDown
}

func TestAuthenticate(t *testing.T) {
	m := newManager(kvstore.NewMemory())
	ctx := context.Background()
	dev, err := m.Authenticate(ctx, "uuid-1", "s3cret")
	if err != nil || dev.ID != "dev-1" {
		t.Fatalf("valid credentials: %+v, %v", dev, err)
	}
	for _, tc := range []struct{ uuid, secret string }{
		{"uuid-1", "wrong"},
		{"unknown", "s3cret"},
		{"", ""},
	} {
		if _, err := m.Authenticate(ctx, tc.uuid, tc.secret); !errors.Is(err, ErrAuthentication) {
			t.Fatalf("%q/%q: err = %v", tc.uuid, tc.secret, err)
		}
	}
}

func TestBlockStates(t *testing.T) {
	store := kvstore.NewMemory()
	m := newManager(store)
	ctx := context.Background()

	st, err := m.IsBlocked(ctx, "uuid-x")
	if err != nil || st.Blocked {
		t.Fatalf("no record: %+v, %v", st, err)
	}

	m.BlockUUID(ctx, "uuid-x", "3.2.0")
	st, _ = m.IsBlocked(ctx, "uuid-x")
	if !st.Blocked || st.Remaining <= 0 || st.Remaining > DefaultBlockTTL {
		t.Fatalf("fresh block: %+v", st)
	}
	var be *BlockedError
	if err := st.Err(); !errors.As(err, &be) || !errors.Is(err, ErrBlocked) || be.RetryAfterSeconds() != 60 {
		t.Fatalf("blocked error = %v", err)
	}

	store.Set(BlockKey("uuid-y"), "manual", 0)
	st, _ = m.IsBlocked(ctx, "uuid-y")
	if !st.Blocked || !st.Indefinite {
		t.Fatalf("record without expiry: %+v", st)
	}
	if be := st.Err().(*BlockedError); be.RetryAfterSeconds() != 0 {
		t.Fatalf("indefinite block reports %d seconds", be.RetryAfterSeconds())
	}

	// a second block keeps the original record
	m.BlockUUID(ctx, "uuid-y", "other")
	if v, _ := store.Get(ctx, BlockKey("uuid-y")); v != "manual" {
		t.Fatalf("block record overwritten: %q", v)
	}
}

func TestBlockUUIDStoreFailureIsNonFatal(t *testing.T) {
	m := newManager(brokenStore{kvstore.NewMemory()})
	m.BlockUUID(context.Background(), "uuid-z", "1")
	if _, err := m.IsBlocked(context.Background(), "uuid-z"); !errors.Is(err, errDown) {
		t.Fatalf("is blocked err = %v", err)
	}
}

func singleOwner(t *testing.T, store kvstore.Store) {
	t.Helper()
	m := newManager(store)
	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		acquired  int
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AcquireLock(context.Background(), "dev-1", fmt.Sprintf("conn-%d", i), "4.1.0")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				acquired++
			case errors.Is(err, ErrAlreadyConnected):
				conflicts++
			default:
				t.Errorf("attempt %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if acquired != 1 || conflicts != attempts-1 {
		t.Fatalf("acquired=%d conflicts=%d", acquired, conflicts)
	}
}

func TestSingleOwnerMemory(t *testing.T) {
	singleOwner(t, kvstore.NewMemory())
}

func TestSingleOwnerRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kvstore.NewRedis(context.Background(), kvstore.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer store.Close()
	singleOwner(t, store)
}

func TestLockRecordContents(t *testing.T) {
	m := newManager(kvstore.NewMemory())
	ctx := context.Background()
	key, err := m.AcquireLock(ctx, "dev-1", "conn-1", "4.1.0")
	if err != nil || key != "connection:dev-1" {
		t.Fatalf("acquire: %q, %v", key, err)
	}
	rec, err := m.LockOwner(ctx, "dev-1")
	if err != nil || rec == nil {
		t.Fatalf("owner: %v", err)
	}
	if rec.ServerAddress != "node-a:8443" || rec.ConnectionID != "conn-1" || rec.OpenhabVersion != "4.1.0" || rec.ConnectionTime.IsZero() {
		t.Fatalf("record = %+v", rec)
	}
	if rec, _ := m.LockOwner(ctx, "dev-2"); rec != nil {
		t.Fatalf("unexpected owner for idle device: %+v", rec)
	}
}

func TestLockInfrastructureFailureIsDistinct(t *testing.T) {
	m := newManager(brokenStore{kvstore.NewMemory()})
	_, err := m.AcquireLock(context.Background(), "dev-1", "conn-1", "x")
	if !errors.Is(err, ErrLockUnavailable) || errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.RenewLock(context.Background(), "connection:dev-1", "conn-1"); !errors.Is(err, ErrLockUnavailable) {
		t.Fatalf("renew err = %v", err)
	}
}

func TestRenewLock(t *testing.T) {
	store := kvstore.NewMemory()
	m := newManager(store)
	ctx := context.Background()
	key, _ := m.AcquireLock(ctx, "dev-1", "conn-1", "x")

	if owned, err := m.RenewLock(ctx, key, "conn-1"); err != nil || !owned {
		t.Fatalf("owner renewal: %v, %v", owned, err)
	}
	if owned, _ := m.RenewLock(ctx, key, "conn-2"); owned {
		t.Fatal("foreign connection reported as owner")
	}

	// deleted externally between heartbeats
	_ = store.Delete(ctx, key)
	if owned, err := m.RenewLock(ctx, key, "conn-1"); err != nil || owned {
		t.Fatalf("renewal after external delete: %v, %v", owned, err)
	}
}

func TestReleaseOnlyByOwner(t *testing.T) {
	store := kvstore.NewMemory()
	m := newManager(store)
	ctx := context.Background()
	key, _ := m.AcquireLock(ctx, "dev-1", "conn-new", "x")

	if err := m.ReleaseLock(ctx, key, "conn-old", "dev-1"); err != nil {
		t.Fatalf("stale release: %v", err)
	}
	if rec, _ := m.LockOwner(ctx, "dev-1"); rec == nil || rec.ConnectionID != "conn-new" {
		t.Fatalf("stale session deleted the new lock: %+v", rec)
	}
	if err := m.ReleaseLock(ctx, key, "conn-new", "dev-1"); err != nil {
		t.Fatalf("owner release: %v", err)
	}
	if rec, _ := m.LockOwner(ctx, "dev-1"); rec != nil {
		t.Fatalf("lock survived owner release: %+v", rec)
	}
}

func TestReconnectAfterRelease(t *testing.T) {
	m := newManager(kvstore.NewMemory())
	ctx := context.Background()
	key, err := m.AcquireLock(ctx, "dev-1", "conn-1", "x")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcquireLock(ctx, "dev-1", "conn-2", "x"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("second acquire while held: %v", err)
	}
	if err := m.ReleaseLock(ctx, key, "conn-1", "dev-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AcquireLock(ctx, "dev-1", "conn-2", "x"); err != nil {
		t.Fatalf("reconnect after release: %v", err)
	}
}

func TestReleaseLeavesReplacedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := kvstore.NewRedis(context.Background(), kvstore.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	m := newManager(store)
	ctx := context.Background()
	key, _ := m.AcquireLock(ctx, "dev-1", "conn-1", "x")

	// racing reconnect overwrites the record while release is in flight
	mr.Set(key, `{"connectionId":"conn-2"}`)
	if err := m.ReleaseLock(ctx, key, "conn-1", "dev-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if rec, _ := m.LockOwner(ctx, "dev-1"); rec == nil || rec.ConnectionID != "conn-2" {
		t.Fatalf("new owner lost: %+v", rec)
	}
}

func TestLockOperationsAreTraced(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	otel.SetTracerProvider(provider)

	m := newManager(kvstore.NewMemory())
	ctx := context.Background()
	key, _ := m.AcquireLock(ctx, "dev-1", "conn-1", "x")
	_, _ = m.RenewLock(ctx, key, "conn-1")
	_ = m.ReleaseLock(ctx, key, "conn-1", "dev-1")

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	want := []string{"connection.acquire", "connection.renew", "connection.release"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("spans = %v, want %v", names, want)
	}
}

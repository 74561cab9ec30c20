package bytelimiter

import "testing"

func TestNilLimiterIsUnbounded(t *testing.T) {
	var b *ByteLimiter = New(0)
	if b != nil {
		t.Fatal("zero budget should disable the limiter")
	}
	if !b.TryAcquire(1 << 30) {
		t.Fatal("nil limiter refused a reservation")
	}
	b.Release(10)
	if b.Used() != 0 || b.Available() != -1 {
		t.Fatalf("used=%d available=%d", b.Used(), b.Available())
	}
}

func TestBudget(t *testing.T) {
	b := New(10)
	if !b.TryAcquire(6) || !b.TryAcquire(4) {
		t.Fatal("reservations within budget refused")
	}
	if b.TryAcquire(1) {
		t.Fatal("reservation beyond budget accepted")
	}
	b.Release(5)
	if b.Available() != 5 {
		t.Fatalf("available = %d", b.Available())
	}
	b.Release(100)
	if b.Used() != 0 {
		t.Fatalf("used went negative: %d", b.Used())
	}
	b.TryAcquire(3)
	b.Close()
	if b.Used() != 0 {
		t.Fatal("close must drop reservations")
	}
}

package vouchers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	vs, err := Generate(50, Voucher{Minutes: 60, Pesos: 5})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	seen := map[string]bool{}
	for _, v := range vs {
		if len(v.Code) != CodeLength {
			t.Fatalf("code %q has length %d", v.Code, len(v.Code))
		}
		if strings.Trim(v.Code, alphabet) != "" {
			t.Fatalf("code %q uses characters outside the alphabet", v.Code)
		}
		if seen[v.Code] {
			t.Fatalf("duplicate code %q", v.Code)
		}
		seen[v.Code] = true
		if v.Minutes != 60 || v.Pesos != 5 {
			t.Fatalf("template not applied: %+v", v)
		}
	}

	for _, bad := range []struct {
		n int
		v Voucher
	}{{0, Voucher{Minutes: 5}}, {1, Voucher{}}, {1, Voucher{Minutes: 5, Pesos: -1}}} {
		if _, err := Generate(bad.n, bad.v); err == nil {
			t.Fatalf("Generate(%d, %+v) should fail", bad.n, bad.v)
		}
	}
}

func TestRedeemOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, []Voucher{{Code: "ABCD2345", Minutes: 30}}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	v, err := store.Redeem(ctx, " abcd2345 ", "aa:00:00:00:00:01")
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if v.RedeemedBy != "aa:00:00:00:00:01" || !v.Redeemed() {
		t.Fatalf("unexpected voucher %+v", v)
	}
	if _, err := store.Redeem(ctx, "ABCD2345", "aa:00:00:00:00:02"); !errors.Is(err, ErrRedeemed) {
		t.Fatalf("second redeem error = %v", err)
	}
	if _, err := store.Redeem(ctx, "ZZZZZZZZ", "aa:00:00:00:00:02"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown code error = %v", err)
	}

	if err := store.Unredeem(ctx, "ABCD2345"); err != nil {
		t.Fatalf("Unredeem: %v", err)
	}
	open, _ := store.List(ctx, false)
	if len(open) != 1 {
		t.Fatalf("voucher should be redeemable again, got %+v", open)
	}
}

func TestConcurrentRedeem(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	store.Create(ctx, []Voucher{{Code: "RACE2345", Minutes: 30}})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := store.Redeem(ctx, "RACE2345", "aa:00:00:00:00:01"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("voucher redeemed %d times", wins)
	}
}

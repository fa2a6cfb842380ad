package metrics

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func bigInt(i int) *big.Int { return big.NewInt(int64(i)) }

func TestInFlight_AddDone(t *testing.T) {
	f := NewInFlight(16)
	hash := common.HexToHash("0x1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef")
	sent := time.Unix(1000, 0)

	f.Add(hash, "Simple ETH Transfer", sent)
	if f.Len() != 1 {
		t.Errorf("expected 1 in flight, got %d", f.Len())
	}

	d, ok := f.Done(hash, sent.Add(1500*time.Millisecond))
	if !ok {
		t.Fatal("expected to find tx")
	}
	if d != 1500*time.Millisecond {
		t.Errorf("expected 1.5s in flight, got %v", d)
	}

	if _, ok := f.Done(hash, sent); ok {
		t.Error("expected second Done to miss")
	}
	if f.Len() != 0 {
		t.Errorf("expected 0 in flight, got %d", f.Len())
	}
}

func TestInFlight_Eviction(t *testing.T) {
	f := NewInFlight(3)
	base := time.Unix(1000, 0)

	for i := range 5 {
		f.Add(common.BigToHash(bigInt(i+1)), "swap", base.Add(time.Duration(i)*time.Second))
	}

	if f.Len() != 3 {
		t.Errorf("expected 3 in flight after wrap, got %d", f.Len())
	}
	// The two oldest were evicted.
	if _, ok := f.Done(common.BigToHash(bigInt(1)), base); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, ok := f.Done(common.BigToHash(bigInt(5)), base); !ok {
		t.Error("newest entry should still be tracked")
	}
}

func TestInFlight_ByNameAndOldest(t *testing.T) {
	f := NewInFlight(0)
	base := time.Unix(1000, 0)

	f.Add(common.BigToHash(bigInt(1)), "transfer", base)
	f.Add(common.BigToHash(bigInt(2)), "swap", base.Add(2*time.Second))
	f.Add(common.BigToHash(bigInt(3)), "swap", base.Add(3*time.Second))

	byName := f.ByName()
	if byName["transfer"] != 1 || byName["swap"] != 2 {
		t.Errorf("unexpected counts %v", byName)
	}
	if age := f.OldestAge(base.Add(10 * time.Second)); age != 10*time.Second {
		t.Errorf("expected oldest age 10s, got %v", age)
	}

	f.Reset()
	if f.Len() != 0 || f.OldestAge(base) != 0 {
		t.Error("expected empty tracker after reset")
	}
}

func TestInFlight_Concurrent(t *testing.T) {
	f := NewInFlight(1000)
	var wg sync.WaitGroup
	now := time.Now()

	for i := range 10 {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range 50 {
				h := common.BigToHash(bigInt(id*1000 + j + 1))
				f.Add(h, "transfer", now)
				f.Done(h, now)
			}
		}(i)
	}
	wg.Wait()

	if f.Len() != 0 {
		t.Errorf("expected 0 in flight, got %d", f.Len())
	}
}

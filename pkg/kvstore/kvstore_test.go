package kvstore

import (
	"bytes"
	"testing"

	"github.com/streamtpg/tpgflow/pkg/tpgerr"
	"github.com/streamtpg/tpgflow/pkg/types"
)

func TestPushThenRelease(t *testing.T) {
	s := New(8, true, 1)
	if err := s.Push("default", "balance", 0, 10, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("default", "balance", 0, 10); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("default", "balance", 0, 10); err == nil {
		t.Fatal("expected no record after release")
	}
}

func TestWriteResetWriteRoundTrip(t *testing.T) {
	s := New(8, true, 1)
	// Write requires an EMPTY slot to exist; synthesize one via CopyLast(hasSlot=false)
	// then Reset it, mirroring how the abort cascade reserves a slot before filling it.
	if err := s.CopyLast("default", "k", 0, 5, false); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset("default", "k", 0, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("default", "k", 0, 5, []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reset("default", "k", 0, 5); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("default", "k", 0, 5, []byte("v2")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("default", "k", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("v2")) {
		t.Fatalf("Get = %q, want v2", got)
	}
}

func TestCopyLastNoPriorProducesDefault(t *testing.T) {
	s := New(8, true, 1)
	if err := s.CopyLast("default", "k", 0, 5, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("default", "k", 0, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, DefaultValue) {
		t.Fatalf("Get = %v, want default %v", got, DefaultValue)
	}
}

func TestCopyLastWithPriorNormalValue(t *testing.T) {
	s := New(8, true, 1)
	if err := s.Push("default", "k", 0, 10, []byte("A")); err != nil {
		t.Fatal(err)
	}
	if err := s.CopyLast("default", "k", 0, 20, false); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("default", "k", 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte("A")) {
		t.Fatalf("Get(ts=20) = %q, want A (copied from ts=10)", got)
	}
}

func TestSimpleChainScenario(t *testing.T) {
	// Spec §8 scenario 1: two txns writing balance_0 at ts=10 then ts=20,
	// executor v <- v+1 starting from the default 0x00.
	s := New(8, true, 1)
	if err := s.Push("default", "balance", 0, 10, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Push("default", "balance", 0, 20, []byte{2}); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("default", "balance", 0, 20)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 2 {
		t.Fatalf("Get(ts=20) = %v, want [2]", got)
	}
	if err := s.Release("default", "balance", 0, 10); err != nil {
		t.Fatal(err)
	}
	if err := s.Release("default", "balance", 0, 20); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("default", "balance", 0, 20); err == nil {
		t.Fatal("expected no records to remain after both drops")
	}
}

func TestPushRejectsNonIncreasingTimestamp(t *testing.T) {
	s := New(8, true, 1)
	if err := s.Push("default", "k", 0, 10, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Push("default", "k", 0, 10, []byte{2}); err == nil {
		t.Fatal("expected error pushing a non-increasing timestamp")
	}
}

func TestRowPartitioning(t *testing.T) {
	s := New(8, true, 2)
	if err := s.Push("default", "k", 0, 10, []byte{1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Push("default", "k", 1, 10, []byte{2}); err != nil {
		t.Fatal(err)
	}
	v0, _ := s.Get("default", "k", 0, 10)
	v1, _ := s.Get("default", "k", 1, 10)
	if v0[0] != 1 || v1[0] != 2 {
		t.Fatalf("rows not independent: row0=%v row1=%v", v0, v1)
	}
}

func TestRowOutOfRangeReturnsTypedError(t *testing.T) {
	s := New(8, true, 1)
	err := s.Push("default", "k", 5, types.Timestamp(1), []byte{1})
	if err == nil {
		t.Fatal("expected an error for out-of-range row")
	}
	rangeErr, ok := err.(*tpgerr.RowOutOfRangeError)
	if !ok {
		t.Fatalf("err = %T, want *tpgerr.RowOutOfRangeError", err)
	}
	if rangeErr.Row != 5 || rangeErr.Max != 1 {
		t.Fatalf("rangeErr = %+v, want Row=5 Max=1", rangeErr)
	}
}

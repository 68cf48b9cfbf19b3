package datatanker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func tempStoragePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store")
}

func TestCreateCloseOpenRoundTrip(t *testing.T) {
	path := tempStoragePath(t)

	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := s.Put([]byte("hello"), []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenExisting(path, Options{})
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer s2.Close()

	value, err := s2.Get([]byte("hello"))
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(value) != "world" {
		t.Fatalf("Get after reopen = %q, want %q", value, "world")
	}
}

func TestRandomOrderInsertAscendingScan(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	const n = 500
	order := rand.New(rand.NewSource(7)).Perm(n)
	for _, i := range order {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(i))
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := s.Put(key, value); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	var seen []int
	err = s.Scan(nil, nil, func(key, value []byte) (bool, error) {
		i := int(binary.BigEndian.Uint32(key))
		want := fmt.Sprintf("value-%d", i)
		if string(value) != want {
			t.Fatalf("Scan value for %d = %q, want %q", i, value, want)
		}
		seen = append(seen, i)
		return true, nil
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("Scan visited %d entries, want %d", len(seen), n)
	}
	if !sort.IntsAreSorted(seen) {
		t.Fatalf("Scan did not visit keys in ascending order: %v", seen[:10])
	}
}

func TestLargeBlobRoundTripsThroughMultiPageChain(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	payload := make([]byte, 1<<20) // 1 MiB, far larger than one page
	rand.New(rand.NewSource(11)).Read(payload)

	if err := s.Put([]byte("big"), payload); err != nil {
		t.Fatalf("Put large value: %v", err)
	}
	got, err := s.Get([]byte("big"))
	if err != nil {
		t.Fatalf("Get large value: %v", err)
	}
	if len(got) != len(payload) {
		t.Fatalf("got %d bytes, want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, got[i], payload[i])
		}
	}
}

func TestOpenExistingRejectsPageSizeMismatch(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = OpenExisting(path, Options{PageSize: 8192})
	if err == nil {
		t.Fatal("OpenExisting with mismatched page size succeeded, want error")
	}
	if _, ok := err.(*NotSupportedError); !ok {
		t.Fatalf("OpenExisting error type = %T, want *NotSupportedError", err)
	}
}

func TestCreateNewRejectsDuplicatePath(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = CreateNew(path, Options{})
	if err == nil {
		t.Fatal("CreateNew against an existing storage succeeded, want error")
	}
	if _, ok := err.(*DuplicateStorageError); !ok {
		t.Fatalf("CreateNew error type = %T, want *DuplicateStorageError", err)
	}
}

func TestSecondOpenFailsWhileFirstHoldsTheLock(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	_, err = OpenExisting(path, Options{})
	if err == nil {
		t.Fatal("second OpenExisting succeeded while the first is still open, want error")
	}
	if _, ok := err.(*AlreadyOpenError); !ok {
		t.Fatalf("second OpenExisting error type = %T, want *AlreadyOpenError", err)
	}
}

func TestDeleteEveryOtherKeyShrinksCountAndPreservesSurvivors(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	const n = 3000
	for i := 0; i < n; i++ {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(i))
		if err := s.Put(key, []byte(fmt.Sprintf("v%d", i))); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	for i := 0; i < n; i += 2 {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(i))
		removed, err := s.Remove(key)
		if err != nil {
			t.Fatalf("Remove(%d): %v", i, err)
		}
		if !removed {
			t.Fatalf("Remove(%d) reported not found", i)
		}
	}

	count, err := s.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != n/2 {
		t.Fatalf("Count after deleting every other key = %d, want %d", count, n/2)
	}

	for i := 0; i < n; i++ {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(i))
		found, err := s.Contains(key)
		if err != nil {
			t.Fatalf("Contains(%d): %v", i, err)
		}
		want := i%2 != 0
		if found != want {
			t.Fatalf("Contains(%d) = %v, want %v", i, found, want)
		}
	}
}

func TestGetMissingKeyReturnsValueNotFoundError(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	_, err = s.Get([]byte("absent"))
	if err == nil {
		t.Fatal("Get on missing key succeeded, want error")
	}
	if _, ok := err.(*ValueNotFoundError); !ok {
		t.Fatalf("Get error type = %T, want *ValueNotFoundError", err)
	}
}

func TestOperationsAfterCloseReportNotOpen(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Get([]byte("x")); err == nil {
		t.Fatal("Get after Close succeeded, want error")
	} else if _, ok := err.(*NotOpenError); !ok {
		t.Fatalf("Get after Close error type = %T, want *NotOpenError", err)
	}
}

func TestOpenOrCreateCreatesThenReopens(t *testing.T) {
	path := tempStoragePath(t)

	s1, err := OpenOrCreate(path, Options{})
	if err != nil {
		t.Fatalf("OpenOrCreate (create path): %v", err)
	}
	if err := s1.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenOrCreate(path, Options{})
	if err != nil {
		t.Fatalf("OpenOrCreate (open path): %v", err)
	}
	defer s2.Close()
	value, err := s2.Get([]byte("k"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != "v" {
		t.Fatalf("Get = %q, want %q", value, "v")
	}
}

func TestMinMaxNextPreviousKeyAcrossStorage(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	keys := []int{10, 20, 30, 40, 50}
	for _, k := range keys {
		key := make([]byte, 4)
		binary.BigEndian.PutUint32(key, uint32(k))
		if err := s.Put(key, []byte("v")); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}

	min, found, err := s.MinKey()
	if err != nil || !found || binary.BigEndian.Uint32(min) != 10 {
		t.Fatalf("MinKey = %v, %v, %v, want 10, true, nil", min, found, err)
	}
	max, found, err := s.MaxKey()
	if err != nil || !found || binary.BigEndian.Uint32(max) != 50 {
		t.Fatalf("MaxKey = %v, %v, %v, want 50, true, nil", max, found, err)
	}

	midKey := make([]byte, 4)
	binary.BigEndian.PutUint32(midKey, 30)
	next, found, err := s.NextKey(midKey)
	if err != nil || !found || binary.BigEndian.Uint32(next) != 40 {
		t.Fatalf("NextKey(30) = %v, %v, %v, want 40, true, nil", next, found, err)
	}
	prev, found, err := s.PreviousKey(midKey)
	if err != nil || !found || binary.BigEndian.Uint32(prev) != 20 {
		t.Fatalf("PreviousKey(30) = %v, %v, %v, want 20, true, nil", prev, found, err)
	}
}

func TestFlushIsSafeToCallRepeatedly(t *testing.T) {
	path := tempStoragePath(t)
	s, err := CreateNew(path, Options{})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	defer s.Close()

	if err := s.Put([]byte("a"), []byte("b")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush #1: %v", err)
	}
	if err := s.Flush(); err != nil {
		t.Fatalf("Flush #2: %v", err)
	}
}

func TestOptionsYAMLSidecarOverridesPageSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store")
	if err := os.MkdirAll(path, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	s, err := CreateNew(path, Options{PageSize: 8192})
	if err != nil {
		t.Fatalf("CreateNew: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	sidecar := "pageSize: 8192\n"
	if err := os.WriteFile(filepath.Join(path, configSidecarName), []byte(sidecar), 0o644); err != nil {
		t.Fatalf("WriteFile sidecar: %v", err)
	}

	s2, err := OpenExisting(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("OpenExisting with overlay: %v", err)
	}
	defer s2.Close()
	if s2.PageSize() != 8192 {
		t.Fatalf("PageSize after overlay = %d, want 8192", s2.PageSize())
	}
}

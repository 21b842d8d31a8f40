// Package media holds the user's selection of images for a submission.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/kiranshivaraju/strift/pkg/models"
)

const (
	// MaxItems is the most images a set can hold.
	MaxItems = 10
	// MinRequired is the fewest images a training submission accepts.
	MinRequired = 8
)

var (
	ErrCapacityExceeded  = errors.New("media set is full")
	ErrIndexOutOfRange   = errors.New("media index out of range")
	ErrInsufficientItems = errors.New("not enough media items")
	ErrDuplicateItem     = errors.New("media item already selected")
	ErrSetFrozen         = errors.New("media set is being submitted")
	ErrEmptyItem         = errors.New("media item has no reference or data")
)

// InsufficientItemsError reports how far a set is from being submittable.
type InsufficientItemsError struct {
	Required int
	Actual   int
}

func (e *InsufficientItemsError) Error() string {
	return fmt.Sprintf("at least %d images required, got %d", e.Required, e.Actual)
}

func (e *InsufficientItemsError) Is(target error) bool {
	return target == ErrInsufficientItems
}

// Set is an ordered selection of up to MaxItems unique images.
// It is safe for concurrent use.
type Set struct {
	mu     sync.Mutex
	items  []models.MediaItem
	keys   map[string]struct{}
	frozen bool
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{keys: make(map[string]struct{})}
}

// Add appends item, keeping insertion order.
func (s *Set) Add(item models.MediaItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrSetFrozen
	}
	key, err := itemKey(item)
	if err != nil {
		return err
	}
	if len(s.items) >= MaxItems {
		return ErrCapacityExceeded
	}
	if _, dup := s.keys[key]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, displayName(item))
	}

	item.Data = append([]byte(nil), item.Data...)
	s.items = append(s.items, item)
	s.keys[key] = struct{}{}
	return nil
}

// AddAll adds items in order and stops at the first failure, returning how many
// were added. A picker returning more than MaxItems images ends with
// ErrCapacityExceeded and a full set.
func (s *Set) AddAll(items ...models.MediaItem) (int, error) {
	for i, item := range items {
		if err := s.Add(item); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

// Remove deletes the item at index; later items shift down.
func (s *Set) Remove(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrSetFrozen
	}
	if index < 0 || index >= len(s.items) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(s.items))
	}

	key, _ := itemKey(s.items[index])
	delete(s.keys, key)
	s.items = append(s.items[:index], s.items[index+1:]...)
	return nil
}

// ValidateForSubmission checks the set holds at least MinRequired items.
func (s *Set) ValidateForSubmission() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return validate(len(s.items))
}

func validate(n int) error {
	if n < MinRequired {
		return &InsufficientItemsError{Required: MinRequired, Actual: n}
	}
	return nil
}

// Len returns the number of selected items.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Items returns a copy of the selection.
func (s *Set) Items() []models.MediaItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyItems(s.items)
}

// Clear empties the set.
func (s *Set) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return ErrSetFrozen
	}
	s.items = nil
	s.keys = make(map[string]struct{})
	return nil
}

// Frozen reports whether a submission currently owns the set.
func (s *Set) Frozen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frozen
}

// Lease hands the set's contents to a submission. Until the lease is
// committed or released the set rejects mutation.
func (s *Set) Lease() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frozen {
		return nil, ErrSetFrozen
	}
	s.frozen = true
	return &Lease{set: s, items: copyItems(s.items)}, nil
}

// Lease is a frozen view of a Set owned by one submission.
type Lease struct {
	set   *Set
	items []models.MediaItem
	done  bool
}

// Items returns the items captured when the lease was taken.
func (l *Lease) Items() []models.MediaItem { return l.items }

// Validate applies ValidateForSubmission to the captured items.
func (l *Lease) Validate() error { return validate(len(l.items)) }

// Commit consumes the set: it is emptied and unfrozen.
func (l *Lease) Commit() {
	l.finish(true)
}

// Release returns the set to the caller unchanged.
func (l *Lease) Release() {
	l.finish(false)
}

func (l *Lease) finish(consume bool) {
	if l.done {
		return
	}
	l.done = true
	s := l.set
	s.mu.Lock()
	defer s.mu.Unlock()
	if consume {
		s.items = nil
		s.keys = make(map[string]struct{})
	}
	s.frozen = false
}

func itemKey(item models.MediaItem) (string, error) {
	if item.Ref != "" {
		return "ref:" + item.Ref, nil
	}
	if len(item.Data) > 0 {
		sum := sha256.Sum256(item.Data)
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	return "", ErrEmptyItem
}

func displayName(item models.MediaItem) string {
	if item.Ref != "" {
		return item.Ref
	}
	return item.Name
}

func copyItems(items []models.MediaItem) []models.MediaItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]models.MediaItem, len(items))
	copy(out, items)
	return out
}

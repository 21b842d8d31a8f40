package media_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/strift/internal/media"
	"github.com/kiranshivaraju/strift/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(i int) models.MediaItem {
	return models.MediaItem{Ref: fmt.Sprintf("file:///photos/%d.jpg", i), ContentType: "image/jpeg"}
}

func setWith(t *testing.T, n int) *media.Set {
	t.Helper()
	s := media.NewSet()
	for i := 0; i < n; i++ {
		require.NoError(t, s.Add(item(i)))
	}
	return s
}

// --- Add ---

func TestAdd_PreservesOrder(t *testing.T) {
	s := setWith(t, 3)
	items := s.Items()
	require.Len(t, items, 3)
	for i, it := range items {
		assert.Equal(t, item(i).Ref, it.Ref)
	}
}

func TestAdd_NeverFailsBelowCapacity(t *testing.T) {
	s := media.NewSet()
	for i := 0; i < media.MaxItems; i++ {
		assert.NoError(t, s.Add(item(i)), "add %d", i)
		assert.LessOrEqual(t, s.Len(), media.MaxItems)
	}
}

func TestAdd_CapacityExceeded(t *testing.T) {
	s := setWith(t, media.MaxItems)

	err := s.Add(item(99))
	assert.ErrorIs(t, err, media.ErrCapacityExceeded)
	assert.Equal(t, media.MaxItems, s.Len())
}

func TestAdd_Duplicate(t *testing.T) {
	s := setWith(t, 1)

	err := s.Add(item(0))
	assert.ErrorIs(t, err, media.ErrDuplicateItem)
	assert.Equal(t, 1, s.Len())
}

func TestAdd_DuplicateBytes(t *testing.T) {
	s := media.NewSet()
	data := []byte("\x89PNG\r\n\x1a\nrest")
	require.NoError(t, s.Add(models.MediaItem{Name: "a.png", Data: data}))

	err := s.Add(models.MediaItem{Name: "b.png", Data: data})
	assert.ErrorIs(t, err, media.ErrDuplicateItem)
}

func TestAdd_EmptyItem(t *testing.T) {
	s := media.NewSet()
	assert.ErrorIs(t, s.Add(models.MediaItem{Name: "x"}), media.ErrEmptyItem)
}

func TestAdd_CopiesData(t *testing.T) {
	s := media.NewSet()
	data := []byte("abc")
	require.NoError(t, s.Add(models.MediaItem{Name: "a", Data: data}))
	data[0] = 'z'

	assert.Equal(t, []byte("abc"), s.Items()[0].Data)
}

func TestAddAll_TruncatesAtCapacity(t *testing.T) {
	s := media.NewSet()
	var picked []models.MediaItem
	for i := 0; i < 12; i++ {
		picked = append(picked, item(i))
	}

	n, err := s.AddAll(picked...)
	assert.ErrorIs(t, err, media.ErrCapacityExceeded)
	assert.Equal(t, media.MaxItems, n)
	assert.Equal(t, media.MaxItems, s.Len())
}

// --- Remove ---

func TestRemove_ShiftsItems(t *testing.T) {
	s := setWith(t, 4)

	require.NoError(t, s.Remove(1))

	items := s.Items()
	require.Len(t, items, 3)
	assert.Equal(t, item(0).Ref, items[0].Ref)
	assert.Equal(t, item(2).Ref, items[1].Ref)
	assert.Equal(t, item(3).Ref, items[2].Ref)
}

func TestRemove_AllowsReAdd(t *testing.T) {
	s := setWith(t, 2)
	require.NoError(t, s.Remove(0))
	assert.NoError(t, s.Add(item(0)))
}

func TestRemove_OutOfRange(t *testing.T) {
	s := setWith(t, 2)

	for _, idx := range []int{-1, 2, 10} {
		err := s.Remove(idx)
		assert.ErrorIs(t, err, media.ErrIndexOutOfRange, "index %d", idx)
	}
	assert.Equal(t, 2, s.Len())
}

// --- ValidateForSubmission ---

func TestValidateForSubmission(t *testing.T) {
	tests := []struct {
		n    int
		want bool
	}{
		{0, false},
		{7, false},
		{8, true},
		{9, true},
		{10, true},
	}
	for _, tc := range tests {
		t.Run(fmt.Sprintf("len=%d", tc.n), func(t *testing.T) {
			s := setWith(t, tc.n)
			err := s.ValidateForSubmission()
			if tc.want {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, media.ErrInsufficientItems)

			var ie *media.InsufficientItemsError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, media.MinRequired, ie.Required)
			assert.Equal(t, tc.n, ie.Actual)
		})
	}
}

// --- Items ---

func TestItems_IsCopy(t *testing.T) {
	s := setWith(t, 2)
	items := s.Items()
	items[0].Ref = "mutated"

	assert.Equal(t, item(0).Ref, s.Items()[0].Ref)
}

// --- Lease ---

func TestLease_FreezesSet(t *testing.T) {
	s := setWith(t, 8)

	lease, err := s.Lease()
	require.NoError(t, err)
	assert.True(t, s.Frozen())

	assert.ErrorIs(t, s.Add(item(50)), media.ErrSetFrozen)
	assert.ErrorIs(t, s.Remove(0), media.ErrSetFrozen)
	assert.ErrorIs(t, s.Clear(), media.ErrSetFrozen)
	_, err = s.Lease()
	assert.ErrorIs(t, err, media.ErrSetFrozen)

	lease.Release()
	assert.False(t, s.Frozen())
	assert.Equal(t, 8, s.Len())
}

func TestLease_CommitConsumes(t *testing.T) {
	s := setWith(t, 9)

	lease, err := s.Lease()
	require.NoError(t, err)
	assert.Len(t, lease.Items(), 9)
	assert.NoError(t, lease.Validate())

	lease.Commit()
	lease.Release()

	assert.False(t, s.Frozen())
	assert.Equal(t, 0, s.Len())
	assert.NoError(t, s.Add(item(0)))
}

// --- Items from files ---

func TestItemFromFile_DetectsImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "selfie.png")
	require.NoError(t, os.WriteFile(path, []byte("\x89PNG\r\n\x1a\n0000"), 0o644))

	it, err := media.ItemFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, it.Ref)
	assert.Equal(t, "selfie.png", it.Name)
	assert.Equal(t, "image/png", it.ContentType)
	assert.Nil(t, it.Data)
}

func TestItemFromFile_SniffsWithoutExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "IMG_0001")
	require.NoError(t, os.WriteFile(path, []byte("\xff\xd8\xff\xe0\x00\x10JFIF"), 0o644))

	it, err := media.ItemFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", it.ContentType)
}

func TestItemFromFile_RejectsNonImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := media.ItemFromFile(path)
	assert.ErrorIs(t, err, media.ErrUnsupportedMedia)
}

func TestItemFromFile_Missing(t *testing.T) {
	_, err := media.ItemFromFile(filepath.Join(t.TempDir(), "nope.jpg"))
	assert.Error(t, err)
}

func TestItemFromBytes(t *testing.T) {
	it, err := media.ItemFromBytes("upload", []byte("GIF89a......"))
	require.NoError(t, err)
	assert.Equal(t, "image/gif", it.ContentType)

	_, err = media.ItemFromBytes("empty.jpg", nil)
	assert.ErrorIs(t, err, media.ErrEmptyItem)
}

func TestExtension(t *testing.T) {
	assert.Equal(t, "jpg", media.Extension("image/jpeg"))
	assert.Equal(t, "png", media.Extension("image/png"))
	assert.Equal(t, "jpg", media.Extension(""))
}

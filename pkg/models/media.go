package models

// MediaItem references one selected image. Ref is a local path or URI; Data holds
// the bytes for items that never touched the filesystem.
type MediaItem struct {
	Ref         string
	Name        string
	ContentType string
	Data        []byte
}

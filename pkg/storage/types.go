// Package storage publishes finished report artifacts to durable object
// storage.
package storage

import "time"

// Object describes a published artifact.
type Object struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// URI returns the object's s3:// style URI.
func (o Object) URI() string {
	return "s3://" + o.Bucket + "/" + o.Key
}

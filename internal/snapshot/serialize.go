// Package snapshot serializes the project file tree to durable storage and
// restores it into a fresh sandbox through bounded, verified chunk uploads.
package snapshot

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildpad/workroom/internal/filetree"
	"github.com/buildpad/workroom/internal/provider"
)

// File is one serialized file ready for upload.
type File struct {
	Path     string            `json:"path"`
	Content  string            `json:"content"`
	Encoding provider.Encoding `json:"encoding"`
}

// Archive is the durable snapshot blob for one project. Exactly one
// logical "latest" archive exists per project.
type Archive struct {
	ProjectID        string    `json:"project_id"`
	Files            []File    `json:"files"`
	UpdatedAt        time.Time `json:"updated_at"`
	RemoteSnapshotID string    `json:"remote_snapshot_id,omitempty"`
}

// Encode marshals the archive into the durable blob format.
func (a *Archive) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeArchive unmarshals a durable blob.
func DecodeArchive(blob []byte) (*Archive, error) {
	var archive Archive
	if err := json.Unmarshal(blob, &archive); err != nil {
		return nil, fmt.Errorf("decode snapshot blob: %w", err)
	}
	return &archive, nil
}

// Serialize walks the tree and emits only genuine files: folder entries
// and zero-length directory placeholders are skipped. Binary payloads are
// base64 encoded; text passes through as UTF-8.
func Serialize(tree *filetree.Tree) []File {
	var out []File
	tree.Walk(func(path string, entry filetree.Entry) {
		if entry.Kind != filetree.KindFile {
			return
		}
		if !filetree.IsFileLike(path, entry.Content) {
			return
		}
		file := File{Path: path, Content: entry.Content, Encoding: provider.EncodingUTF8}
		if entry.IsBinary {
			file.Content = base64.StdEncoding.EncodeToString([]byte(entry.Content))
			file.Encoding = provider.EncodingBase64
		}
		out = append(out, file)
	})
	return out
}

// Rebuild reconstructs the file tree a serialized archive describes.
func (a *Archive) Rebuild() (*filetree.Tree, error) {
	tree := filetree.New()
	for _, file := range a.Files {
		entry := filetree.Entry{Content: file.Content}
		if file.Encoding == provider.EncodingBase64 {
			decoded, err := base64.StdEncoding.DecodeString(file.Content)
			if err != nil {
				return nil, fmt.Errorf("decode archived file %q: %w", file.Path, err)
			}
			entry.Content = string(decoded)
			entry.IsBinary = true
		}
		if err := tree.PutFile(file.Path, entry); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

func (f File) writeEntry() provider.FileWrite {
	return provider.FileWrite{Path: f.Path, Content: f.Content, Encoding: f.Encoding}
}

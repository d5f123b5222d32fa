package document

import (
	"fmt"
	"strings"

	"relaysync/pkg/store"
)

// Origin of a document's first content.
const (
	OriginLocal  = "local"
	OriginRemote = "remote"
)

// Metadata is stored next to a document's CRDT history.
type Metadata struct {
	Path   string
	Relay  string
	Folder string
	AppID  string
	Origin string
}

// S3RN names a document on a relay.
func S3RN(relay, folder, guid string) string {
	if relay == "" {
		return ""
	}
	return fmt.Sprintf("s3rn:relay:relay/%s/folder/%s/doc/%s", relay, folder, guid)
}

// ParseS3RN splits a document name into relay, folder and document ids.
func ParseS3RN(s string) (relay, folder, guid string, err error) {
	rest, ok := strings.CutPrefix(s, "s3rn:relay:")
	if !ok {
		return "", "", "", fmt.Errorf("invalid s3rn %q", s)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 6 || parts[0] != "relay" || parts[2] != "folder" || parts[4] != "doc" {
		return "", "", "", fmt.Errorf("invalid s3rn %q", s)
	}
	return parts[1], parts[3], parts[5], nil
}

// WriteMetadata stores md under ds. Empty fields are skipped.
func WriteMetadata(ds *store.DocStore, md Metadata) error {
	values := map[string]string{
		store.MetaPath:   md.Path,
		store.MetaRelay:  md.Relay,
		store.MetaAppID:  md.AppID,
		store.MetaOrigin: md.Origin,
		store.MetaS3RN:   S3RN(md.Relay, md.Folder, ds.GUID()),
	}
	for key, value := range values {
		if value == "" {
			continue
		}
		if err := ds.SetMeta(key, value); err != nil {
			return fmt.Errorf("failed to write %s: %w", key, err)
		}
	}
	return nil
}

// ReadMetadata loads what WriteMetadata stored.
func ReadMetadata(ds *store.DocStore) (Metadata, error) {
	values, err := ds.Metas()
	if err != nil {
		return Metadata{}, err
	}
	md := Metadata{
		Path:   values[store.MetaPath],
		Relay:  values[store.MetaRelay],
		AppID:  values[store.MetaAppID],
		Origin: values[store.MetaOrigin],
	}
	if s3rn := values[store.MetaS3RN]; s3rn != "" {
		if _, folder, _, err := ParseS3RN(s3rn); err == nil {
			md.Folder = folder
		}
	}
	return md, nil
}

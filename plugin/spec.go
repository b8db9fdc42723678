package plugin

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/vmihailenco/msgpack/v5"
)

// Spec is the serializable, callable-free description of one handler,
// consumed by the editor to build its own dispatch table. Sync is a
// bool, except for asynchronous handlers with AllowNested set, where
// it is the string "urgent" (the encoding the editor expects for
// nested-safe async handlers).
type Spec struct {
	Type string         `msgpack:"type" json:"type"`
	Name string         `msgpack:"name" json:"name"`
	Sync any            `msgpack:"sync" json:"sync"`
	Opts map[string]any `msgpack:"opts" json:"opts"`
}

func specFor(h *Handler) Spec {
	var sync any = h.Sync
	if !h.Sync && h.AllowNested {
		sync = "urgent"
	}
	return Spec{
		Type: string(h.Kind),
		Name: h.Name,
		Sync: sync,
		Opts: h.Opts,
	}
}

// ManifestEntry pairs a plugin path with its spec records.
type ManifestEntry struct {
	Path  string `msgpack:"path" json:"path"`
	Specs []Spec `msgpack:"specs" json:"specs"`
}

// Manifest builds the manifest entries for the given plugins, in
// registration order, with each plugin's specs in declaration order.
// This ordering is part of the contract: regenerating from unchanged
// plugins yields an identical manifest.
func Manifest(plugins ...*Plugin) []ManifestEntry {
	entries := make([]ManifestEntry, 0, len(plugins))
	for _, p := range plugins {
		entries = append(entries, ManifestEntry{Path: p.Path(), Specs: p.Specs()})
	}
	return entries
}

// EncodeManifest serializes manifest entries as msgpack with sorted
// map keys, so regeneration for unchanged input is byte-identical.
func EncodeManifest(entries []ManifestEntry) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(entries); err != nil {
		return nil, fmt.Errorf("plugin: encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteManifest writes the serialized manifest for plugins to w.
func WriteManifest(w io.Writer, plugins ...*Plugin) error {
	b, err := EncodeManifest(Manifest(plugins...))
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// WriteManifestFile atomically replaces path with the serialized
// manifest for plugins.
func WriteManifestFile(path string, plugins ...*Plugin) error {
	b, err := EncodeManifest(Manifest(plugins...))
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("plugin: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("plugin: write manifest: %w", err)
	}
	return nil
}

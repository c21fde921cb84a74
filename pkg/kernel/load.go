package kernel

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kiwi-run/kiwi/pkg/item"
	"github.com/kiwi-run/kiwi/pkg/manifest"
)

// LoadRequest is the input to the kernel's load meta-operation.
type LoadRequest struct {
	ItemType    item.Type   `json:"item_type"`
	ItemID      string      `json:"item_id"`
	Source      item.Source `json:"source,omitempty"`      // optional: restrict resolution to one tier
	Destination item.Source `json:"destination,omitempty"` // optional: copy the resolved artifact here
}

// LoadResult is the parsed artifact returned by a successful load.
type LoadResult struct {
	Manifest *manifest.Manifest `json:"manifest"`
	Copied   string             `json:"copied,omitempty"` // destination path, set only when Destination was requested
}

// Load implements load(item_type, item_id, source, destination?) →
// item|error (spec.md §4.11). destination, when set, additionally copies
// the resolved file into that tier's root so a package- or user-scoped
// item can be vendored into the project for local editing.
func (k *Kernel) Load(req LoadRequest) (*LoadResult, *Error) {
	if !req.ItemType.Valid() {
		return nil, newError(KindInvalidInput, "invalid item_type").withHint("item_type must be one of directive, tool, knowledge")
	}
	if req.ItemID == "" {
		return nil, newError(KindInvalidInput, "item_id is required")
	}

	m, err := k.Manifests.Load(req.ItemID, req.ItemType, req.Source)
	if err != nil {
		if nf, ok := err.(*manifest.NotFoundError); ok {
			return nil, wrapError(KindNotFound, nf).withHint(fmt.Sprintf("no %s named %q was found in any search tier", req.ItemType, req.ItemID))
		}
		return nil, wrapError(KindInternal, err)
	}

	result := &LoadResult{Manifest: m}

	if req.Destination != "" && req.Destination != m.Source {
		dest, cerr := k.copyToTier(m, req.Destination)
		if cerr != nil {
			return nil, cerr
		}
		result.Copied = dest
	}

	return result, nil
}

func (k *Kernel) copyToTier(m *manifest.Manifest, dest item.Source) (string, *Error) {
	root, rerr := k.tierRootFor(dest)
	if rerr != nil {
		return "", rerr
	}

	destDir := filepath.Join(root, string(m.Kind)+"s")
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", wrapError(KindInternal, fmt.Errorf("kernel: mkdir %s: %w", destDir, err))
	}

	destPath := filepath.Join(destDir, filepath.Base(m.Path))
	if err := copyFile(m.Path, destPath); err != nil {
		return "", wrapError(KindInternal, err)
	}

	k.Manifests.Invalidate(m.ID, m.Kind)
	return destPath, nil
}

func (k *Kernel) tierRootFor(source item.Source) (string, *Error) {
	switch source {
	case item.SourceProject:
		return k.cfg.ProjectDir, nil
	case item.SourceUser:
		return k.cfg.UserSpace, nil
	case item.SourcePackage:
		return k.cfg.PackageRoot, nil
	default:
		return "", newError(KindInvalidInput, fmt.Sprintf("unknown destination tier %q", source))
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("kernel: open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("kernel: stat %s: %w", src, err)
	}
	if info.IsDir() {
		return fmt.Errorf("kernel: copying directory-backed tools across tiers is not supported: %s", src)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("kernel: create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("kernel: copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

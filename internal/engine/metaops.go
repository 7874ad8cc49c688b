package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/deterministic-vault/vault/internal/catalog"
	"github.com/deterministic-vault/vault/internal/identifier"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// MetaResult is the materialized view of one path: its namespace type
// plus every command recorded for it, flushed and pending combined, in
// append order.
type MetaResult struct {
	Type     catalog.MetaType
	Commands []segment.Command
}

// PushFileToMeta validates remotePath, queues the folder-chain and
// file-entry commands it implies, and queues blocks as the file's
// content extents — all into the transient cache, under the meta
// semaphore. It does not itself touch the transport; FlushMeta migrates
// queued commands to the meta log.
func (e *Engine) PushFileToMeta(ctx context.Context, blocks []segment.Command, fileSize uint64, remotePath string) error {
	unlock := e.lockMeta()
	defer unlock()
	return e.pushFileToMetaLocked(ctx, blocks, fileSize, remotePath, false)
}

// NewDirectory creates the folder chain for remotePath without a
// terminal file, by pushing to a synthetic leaf name that is never
// itself recorded.
func (e *Engine) NewDirectory(ctx context.Context, remotePath string) error {
	unlock := e.lockMeta()
	defer unlock()
	return e.pushFileToMetaLocked(ctx, nil, 0, strings.TrimSuffix(remotePath, "/")+"/.ignore", true)
}

func (e *Engine) pushFileToMetaLocked(ctx context.Context, blocks []segment.Command, fileSize uint64, remotePath string, ignoreFile bool) error {
	ancestors, leafName, leafPath, err := splitRemotePath(remotePath)
	if err != nil {
		return err
	}

	for _, d := range ancestors[1:] {
		t, err := e.pathType(d)
		if err != nil {
			return err
		}
		if t == catalog.MetaTypeFile {
			return fmt.Errorf("%w: %q is a file", vaulterr.ErrMetaEntryOverwrite, d)
		}
	}

	leafType, err := e.pathType(leafPath)
	if err != nil {
		return err
	}
	if !ignoreFile && leafType != catalog.MetaTypeUnknown {
		return fmt.Errorf("%w: %q already exists", vaulterr.ErrMetaEntryOverwrite, leafPath)
	}
	if ignoreFile && leafType == catalog.MetaTypeFile {
		return fmt.Errorf("%w: %q is a file", vaulterr.ErrMetaEntryOverwrite, leafPath)
	}

	byPath := map[string][]catalog.TransientCommand{}
	order := []string{}
	push := func(path string, cmd catalog.TransientCommand) {
		if _, ok := byPath[path]; !ok {
			order = append(order, path)
		}
		byPath[path] = append(byPath[path], cmd)
	}

	parent := ancestors[0]
	for _, d := range ancestors[1:] {
		name := d[strings.LastIndex(d, "/")+1:]
		existing, err := e.loadAllCommands(ctx, parent, catalog.MetaTypeFolder)
		if err != nil {
			return err
		}
		if !hasFolderChild(existing, name) {
			push(parent, catalog.TransientCommand{
				Type: catalog.MetaTypeFolder,
				Kind: uint8(segment.CommandAddFolder),
				Name: name,
			})
		}
		parent = d
	}

	if !ignoreFile {
		existing, err := e.loadAllCommands(ctx, parent, catalog.MetaTypeFolder)
		if err != nil {
			return err
		}
		if hasFileChild(existing, leafName) || hasFolderChild(existing, leafName) {
			return fmt.Errorf("%w: %q already exists", vaulterr.ErrMetaEntryOverwrite, leafPath)
		}
		push(parent, catalog.TransientCommand{
			Type: catalog.MetaTypeFolder,
			Kind: uint8(segment.CommandAddFile),
			Name: leafName,
			Size: fileSize,
		})
		for _, b := range blocks {
			push(leafPath, catalog.TransientCommand{
				Type:  catalog.MetaTypeFile,
				Kind:  uint8(segment.CommandAddBlock),
				Hash:  b.Hash,
				Size:  b.Size,
				Start: b.Start,
			})
		}
	}

	for _, path := range order {
		if err := e.cat.AddCommandsToTransientCache(path, byPath[path]); err != nil {
			return err
		}
	}
	return nil
}

// DownloadMetaForPath materializes path's full command list. A folder
// that its parent lists but that has no commands of its own (an empty
// NewDirectory) yields a Folder result with no commands; otherwise it
// returns nil if path has no commands in either store.
func (e *Engine) DownloadMetaForPath(ctx context.Context, path string) (*MetaResult, error) {
	t, err := e.pathType(path)
	if err != nil {
		return nil, err
	}
	if t == catalog.MetaTypeUnknown {
		cut := strings.LastIndex(path, "/")
		if path == "/" || cut < 0 {
			return nil, nil
		}
		parent := path[:cut]
		if parent == "" {
			parent = "/"
		}
		listing, err := e.loadAllCommands(ctx, parent, catalog.MetaTypeFolder)
		if err != nil || !hasFolderChild(listing, path[cut+1:]) {
			return nil, err
		}
		return &MetaResult{Type: catalog.MetaTypeFolder}, nil
	}
	cmds, err := e.loadAllCommands(ctx, path, t)
	if err != nil {
		return nil, err
	}
	return &MetaResult{Type: t, Commands: cmds}, nil
}

// FlushMeta migrates every path's queued transient commands to the meta
// log, under the meta semaphore. Each path's commands are encoded into
// one or more SegmentSize-bounded MetaSegments and uploaded to
// consecutive MetaFileID/MetaFolderID slots starting at that path's next
// empty slot; on success its transient queue is cleared.
func (e *Engine) FlushMeta(ctx context.Context) error {
	unlock := e.lockMeta()
	defer unlock()

	paths, err := e.cat.ListTransientPaths()
	if err != nil {
		return err
	}

	for _, path := range paths {
		pending, err := e.cat.CommandsInTransientCache(path)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			continue
		}
		mtype := pending[0].Type

		nextIndex, err := e.flushedMetaSlotCount(path, mtype)
		if err != nil {
			return err
		}

		commands := make([]segment.Command, len(pending))
		for i, p := range pending {
			commands[i] = segment.Command{Kind: segment.CommandKind(p.Kind), Name: p.Name, Size: p.Size, Hash: p.Hash, Start: p.Start}
		}
		encoded := segment.MetaSegment{Commands: commands}.Encode()
		parts := segment.FrameForSlots(encoded, e.cfg.SegmentSize-4)

		for i, part := range parts {
			slot := uint32(nextIndex) + uint32(i)
			indexID := e.metaSlotID(path, mtype, slot)
			firstRepl, confirmed, err := e.uploadSlotReplicated(ctx, indexID, part, 1, e.cfg.ReplicationAttemptCount)
			if err != nil {
				return err
			}
			if confirmed == 0 {
				return fmt.Errorf("%w: indexID %s", vaulterr.ErrUploadExhausted, indexID)
			}
			if err := e.cat.AddNewAssurance(indexID[:], uint32(firstRepl), vaultcrypto.HashBytes(part), uint32(len(part))); err != nil {
				return err
			}
		}

		if err := e.cat.CommandsFlushedForPath(path); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) metaSlotID(path string, mtype catalog.MetaType, i uint32) identifier.IndexID {
	if mtype == catalog.MetaTypeFile {
		return e.gen.MetaFileID(i, path)
	}
	return e.gen.MetaFolderID(i, path)
}

func (e *Engine) flushedMetaSlotCount(path string, mtype catalog.MetaType) (int, error) {
	count := 0
	for {
		id := e.metaSlotID(path, mtype, uint32(count))
		a, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(id[:])
		if err != nil {
			return 0, err
		}
		if a == nil {
			break
		}
		count++
	}
	return count, nil
}

// loadFlushedMetaCommands fetches every already-logged MetaSegment slot
// for (path, mtype) with bounded concurrency, then decodes them in slot
// order. A single FlushMeta call may have spread one MetaSegment across
// several consecutive slots, so bodies are reassembled with
// FrameGatherer before each record is decoded; the n slots can hold
// several such records, one after another from successive flushes.
func (e *Engine) loadFlushedMetaCommands(ctx context.Context, path string, mtype catalog.MetaType) ([]segment.Command, error) {
	n, err := e.flushedMetaSlotCount(path, mtype)
	if err != nil || n == 0 {
		return nil, err
	}

	bodies := make([][]byte, n)
	errs := make([]error, n)
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			id := e.metaSlotID(path, mtype, uint32(i))
			b, err := e.DownloadChunk(ctx, id, true)
			bodies[i], errs[i] = b, err
		}(i)
	}
	wg.Wait()

	var out []segment.Command
	var gatherer segment.FrameGatherer
	for i, body := range bodies {
		if errs[i] != nil {
			return nil, errs[i]
		}
		gatherer.Feed(body)
		if !gatherer.Done() {
			continue
		}
		seg, err := segment.DecodeMetaSegment(gatherer.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, seg.Commands...)
		gatherer = segment.FrameGatherer{}
	}
	if gatherer.Pending() {
		return nil, fmt.Errorf("%w: meta record for %q truncated", vaulterr.ErrInvalidFormat, path)
	}
	return out, nil
}

func (e *Engine) loadAllCommands(ctx context.Context, path string, mtype catalog.MetaType) ([]segment.Command, error) {
	flushed, err := e.loadFlushedMetaCommands(ctx, path, mtype)
	if err != nil {
		return nil, err
	}
	pending, err := e.cat.CommandsInTransientCache(path)
	if err != nil {
		return nil, err
	}
	out := flushed
	for _, p := range pending {
		out = append(out, segment.Command{Kind: segment.CommandKind(p.Kind), Name: p.Name, Size: p.Size, Hash: p.Hash, Start: p.Start})
	}
	return out, nil
}

// pathType decides path's namespace by consulting the transient cache
// first, then probing slot 0 of both File and Folder assurance IDs.
func (e *Engine) pathType(path string) (catalog.MetaType, error) {
	t, err := e.cat.MetaTypeAtPathInTransientCache(path)
	if err != nil {
		return catalog.MetaTypeUnknown, err
	}
	if t != catalog.MetaTypeUnknown {
		return t, nil
	}

	fileID := e.gen.MetaFileID(0, path)
	if a, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(fileID[:]); err != nil {
		return catalog.MetaTypeUnknown, err
	} else if a != nil {
		return catalog.MetaTypeFile, nil
	}

	folderID := e.gen.MetaFolderID(0, path)
	if a, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(folderID[:]); err != nil {
		return catalog.MetaTypeUnknown, err
	} else if a != nil {
		return catalog.MetaTypeFolder, nil
	}

	return catalog.MetaTypeUnknown, nil
}

func hasFolderChild(cmds []segment.Command, name string) bool {
	for _, c := range cmds {
		if c.Kind == segment.CommandAddFolder && c.Name == name {
			return true
		}
	}
	return false
}

func hasFileChild(cmds []segment.Command, name string) bool {
	for _, c := range cmds {
		if c.Kind == segment.CommandAddFile && c.Name == name {
			return true
		}
	}
	return false
}

// splitRemotePath validates remotePath and decomposes it into ancestor
// folder paths (ancestors[0] is always "/", the implicit root) plus the
// leaf's bare name and full path.
func splitRemotePath(remotePath string) (ancestors []string, leafName, leafPath string, err error) {
	if !strings.HasPrefix(remotePath, "/") {
		return nil, "", "", fmt.Errorf("%w: path must be absolute", vaulterr.ErrInvalidPath)
	}
	trimmed := strings.TrimSuffix(remotePath, "/")
	if trimmed == "" {
		return nil, "", "", fmt.Errorf("%w: path must name a file", vaulterr.ErrInvalidPath)
	}
	parts := strings.Split(strings.TrimPrefix(trimmed, "/"), "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, "", "", fmt.Errorf("%w: invalid path segment %q", vaulterr.ErrInvalidPath, p)
		}
	}

	leafName = parts[len(parts)-1]
	ancestors = []string{"/"}
	cur := ""
	for _, p := range parts[:len(parts)-1] {
		cur += "/" + p
		ancestors = append(ancestors, cur)
	}
	leafPath = cur + "/" + leafName
	return ancestors, leafName, leafPath, nil
}

package server

import (
	"context"
	"sort"
	"strconv"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/protocol/svndiff"
	"github.com/bozaro/git-as-svn/repository"
)

// Depth is a client-declared working-copy scope.
type Depth string

const (
	DepthEmpty      Depth = "empty"
	DepthFiles      Depth = "files"
	DepthImmediates Depth = "immediates"
	DepthInfinity   Depth = "infinity"
	DepthUnknown    Depth = "unknown"
)

// parseDepth maps a wire word onto a Depth; anything unrecognised (and the
// absent word) is unknown.
func parseDepth(w string) Depth {
	switch Depth(w) {
	case DepthEmpty, DepthFiles, DepthImmediates, DepthInfinity:
		return Depth(w)
	default:
		return DepthUnknown
	}
}

// depthAction says what to do with a child entry during traversal.
type depthAction int

const (
	actionNormal depthAction = iota
	actionSkip
	actionUpgrade
)

// covers reports whether a depth includes a child of the given kind.
// Unknown counts as full coverage: clients predating depth report that way.
func (d Depth) covers(dir bool) bool {
	switch d {
	case DepthEmpty:
		return false
	case DepthFiles:
		return !dir
	default:
		return true
	}
}

// action combines the working-copy depth with the requested depth: children
// outside the request are skipped, children the client lacks are upgraded
// to full adds, the rest are visited normally.
func (d Depth) action(requested Depth, dir bool) depthAction {
	if !requested.covers(dir) {
		return actionSkip
	}
	if d.covers(dir) {
		return actionNormal
	}
	return actionUpgrade
}

// deepen returns the depth that applies to a child directory's children.
func (d Depth) deepen() Depth {
	switch d {
	case DepthInfinity, DepthUnknown:
		return d
	default:
		return DepthEmpty
	}
}

// deltaParams is the normalised input shared by the update, switch, status
// and diff commands.
type deltaParams struct {
	rev        int
	path       string // command target, session-relative
	targetPath string // rebased repo path for switch/diff; "" when unused
	rebased    bool
	depth      Depth
	sendDeltas bool
	copyFrom   bool
	entryProps bool
}

// setPathParams is one report entry.
type setPathParams struct {
	rev        int
	startEmpty bool
	depth      Depth
	linkPath   string // repo path of a link-path peg; "" when unused
	linked     bool
}

// reportPipeline implements the report-then-edit flow: the client declares
// its state path by path, then the pipeline streams the edit script that
// transforms it into the target revision.
type reportPipeline struct {
	params      deltaParams
	paths       map[string]setPathParams
	deletedPath map[string]bool
	forcedPaths map[string]map[string]bool
	pathStack   []*headerEntry
	lastTokenID int
}

func newReportPipeline(params deltaParams) *reportPipeline {
	return &reportPipeline{
		params:      params,
		paths:       make(map[string]setPathParams),
		deletedPath: make(map[string]bool),
		forcedPaths: make(map[string]map[string]bool),
	}
}

func (rp *reportPipeline) wcPath(name string) string {
	return joinPath(rp.params.path, normalizePath(name))
}

// forcePath marks the path and its ancestors so depth filtering never skips
// entries the client explicitly mentioned.
func (rp *reportPipeline) forcePath(wcPath string) {
	path := wcPath
	for path != "" {
		parent := parentDir(path)
		children := rp.forcedPaths[parent]
		if children == nil {
			children = make(map[string]bool)
			rp.forcedPaths[parent] = children
		}
		if children[path] {
			break
		}
		children[path] = true
		path = parent
	}
}

// reportStep reads one report sub-command. Continuing commands push the
// step again; finish-report schedules the delta computation.
func (rp *reportPipeline) reportStep(ctx context.Context, s *Session) error {
	if err := s.parser.ReadListBegin(); err != nil {
		return err
	}
	cmd, err := s.parser.ReadWord()
	if err != nil {
		return err
	}

	switch cmd {
	case "set-path":
		var args struct {
			Path       string
			Rev        int
			StartEmpty bool
			LockToken  []string
			Depth      *protocol.Word
		}
		if err := protocol.ParseMessage(s.parser, &args); err != nil {
			return err
		}
		if err := s.parser.ReadListEnd(); err != nil {
			return err
		}
		s.push(rp.reportStep)
		depth := DepthUnknown
		if args.Depth != nil {
			depth = parseDepth(string(*args.Depth))
		}
		wcPath := rp.wcPath(args.Path)
		rp.paths[wcPath] = setPathParams{rev: args.Rev, startEmpty: args.StartEmpty, depth: depth}
		rp.forcePath(wcPath)
		return nil

	case "delete-path":
		var args struct {
			Path string
		}
		if err := protocol.ParseMessage(s.parser, &args); err != nil {
			return err
		}
		if err := s.parser.ReadListEnd(); err != nil {
			return err
		}
		s.push(rp.reportStep)
		wcPath := rp.wcPath(args.Path)
		rp.deletedPath[wcPath] = true
		rp.forcePath(wcPath)
		return nil

	case "link-path":
		var args struct {
			Path       string
			URL        string
			Rev        int
			StartEmpty bool
			LockToken  []string
			Depth      *protocol.Word
		}
		if err := protocol.ParseMessage(s.parser, &args); err != nil {
			return err
		}
		if err := s.parser.ReadListEnd(); err != nil {
			return err
		}
		s.push(rp.reportStep)
		linkPath, err := s.repositoryPathFromURL(args.URL)
		if err != nil {
			return err
		}
		depth := DepthUnknown
		if args.Depth != nil {
			depth = parseDepth(string(*args.Depth))
		}
		wcPath := rp.wcPath(args.Path)
		rp.paths[wcPath] = setPathParams{rev: args.Rev, startEmpty: args.StartEmpty, depth: depth, linkPath: linkPath, linked: true}
		rp.forcePath(wcPath)
		return nil

	case "finish-report":
		if err := s.parser.SkipItems(); err != nil { // args and command list end
			return err
		}
		s.push(rp.complete)
		return nil

	case "abort-report":
		if err := s.parser.SkipItems(); err != nil {
			return err
		}
		return s.sendEmptySuccess()

	default:
		s.push(rp.reportStep)
		return s.skipUnsupportedCommand(cmd)
	}
}

// complete checks permissions, streams the delta and runs the close-edit
// handshake. Semantic errors mid-stream abort the edit first.
func (rp *reportPipeline) complete(ctx context.Context, s *Session) error {
	if err := s.checkRead(s.repositoryPath(rp.params.path)); err != nil {
		return err
	}
	if err := s.sendAuthRequired(); err != nil {
		return err
	}

	if err := rp.sendDelta(ctx, s); err != nil {
		var perr *protocol.Error
		if !asProtocolError(err, &perr) {
			return err
		}
		s.writer.ListBegin().Word("abort-edit").ListBegin().ListEnd().ListEnd()
		if flushErr := s.writer.Flush(); flushErr != nil {
			return flushErr
		}
		return err
	}

	s.writer.ListBegin().Word("close-edit").ListBegin().ListEnd().ListEnd()
	if err := s.writer.Flush(); err != nil {
		return err
	}

	// The client confirms or rejects the edit.
	if err := s.parser.ReadListBegin(); err != nil {
		return err
	}
	status, err := s.parser.ReadWord()
	if err != nil {
		return err
	}
	switch status {
	case "success":
		if err := s.parser.SkipItems(); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	case "failure":
		if err := s.parser.ReadListBegin(); err != nil {
			return err
		}
		var failures []*protocol.Error
		for {
			tok, err := s.parser.ReadToken()
			if err != nil {
				return err
			}
			if tok.Kind == protocol.TokenListEnd {
				break
			}
			if tok.Kind != protocol.TokenListBegin {
				return protocol.NewError(protocol.CodeRaSvnMalformedData, "malformed failure list")
			}
			code, err := s.parser.ReadNumber()
			if err != nil {
				return err
			}
			message, err := s.parser.ReadText()
			if err != nil {
				return err
			}
			file, err := s.parser.ReadText()
			if err != nil {
				return err
			}
			line, err := s.parser.ReadNumber()
			if err != nil {
				return err
			}
			if err := s.parser.SkipItems(); err != nil {
				return err
			}
			failures = append(failures, &protocol.Error{Code: code, Message: message, File: file, Line: line})
		}
		if err := s.parser.SkipItems(); err != nil { // outer list end
			return err
		}
		s.writer.ListBegin().Word("abort-edit").ListBegin().ListEnd().ListEnd()
		return protocol.WriteFailure(s.writer, failures...)
	default:
		return protocol.NewError(protocol.CodeRaSvnMalformedData, "unexpected edit status from client")
	}
}

func (rp *reportPipeline) newToken() string {
	rp.lastTokenID++
	return "t" + strconv.Itoa(rp.lastTokenID)
}

// getWriter flushes the deferred headers of every open ancestor before
// handing out the writer; this is what makes empty opens vanish.
func (rp *reportPipeline) getWriter(s *Session) *protocol.Writer {
	for _, entry := range rp.pathStack {
		entry.write(s.writer)
	}
	return s.writer
}

// sendDelta emits the edit script transforming the reported state into the
// target revision.
func (rp *reportPipeline) sendDelta(ctx context.Context, s *Session) error {
	rootParams, ok := rp.paths[rp.wcPath("")]
	if !ok {
		return protocol.NewError(protocol.CodeStreamMalformedData, "the report lacks a root entry")
	}

	targetRev := rp.params.rev
	w := rp.getWriter(s)
	w.ListBegin().Word("target-rev").ListBegin().Number(targetRev).ListEnd().ListEnd()

	tokenID := rp.newToken()
	rootRev := s.branch.ClampRevision(rootParams.rev)
	w.ListBegin().Word("open-root").ListBegin().
		ListBegin().Number(rootRev).ListEnd().
		String(tokenID).
		ListEnd().ListEnd()
	if err := w.Err(); err != nil {
		return err
	}

	fullPath := s.repositoryPath(rp.params.path)
	newPath := fullPath
	if rp.params.rebased {
		newPath = rp.params.targetPath
	}
	newFile, err := s.file(ctx, targetRev, newPath)
	if err != nil {
		return err
	}

	baseFile, err := s.file(ctx, rootRev, fullPath)
	if err != nil {
		return err
	}
	oldFile, err := rp.prevFile(ctx, s, rp.wcPath(""), baseFile)
	if err != nil {
		return err
	}

	if err := rp.updateEntry(ctx, s, rp.wcPath(""), oldFile, newFile, tokenID, rp.params.path == "", rootParams.depth, rp.params.depth); err != nil {
		return err
	}

	w = rp.getWriter(s)
	w.ListBegin().Word("close-dir").ListBegin().String(tokenID).ListEnd().ListEnd()
	return w.Err()
}

// prevFile applies per-path report overrides to the baseline view of a
// path: explicit deletes hide it, set-path entries re-resolve it at the
// declared revision, link-path entries re-root it.
func (rp *reportPipeline) prevFile(ctx context.Context, s *Session, wcPath string, oldFile *repository.File) (*repository.File, error) {
	if rp.deletedPath[wcPath] {
		return nil, nil
	}
	p, ok := rp.paths[wcPath]
	if !ok {
		return oldFile, nil
	}
	if p.rev == 0 && !p.linked {
		return nil, nil
	}
	rev := s.branch.ClampRevision(p.rev)
	if p.linked {
		return s.file(ctx, rev, p.linkPath)
	}
	return s.file(ctx, rev, s.repositoryPath(wcPath))
}

func (rp *reportPipeline) startEmpty(wcPath string) bool {
	p, ok := rp.paths[wcPath]
	return ok && p.startEmpty
}

func (rp *reportPipeline) wcDepth(wcPath string, parentDepth Depth) Depth {
	if p, ok := rp.paths[wcPath]; ok {
		return p.depth
	}
	return parentDepth.deepen()
}

// updateEntry dispatches one entry: kind flips become delete-then-add,
// directories recurse, files stream their delta.
func (rp *reportPipeline) updateEntry(ctx context.Context, s *Session, wcPath string, oldFile, newFile *repository.File, parentToken string, rootDir bool, wcDepth, reqDepth Depth) error {
	if oldFile != nil && (newFile == nil || oldFile.Kind() != newFile.Kind()) {
		change, err := oldFile.LastChange(ctx)
		if err != nil {
			return err
		}
		if err := rp.removeEntry(s, wcPath, change, parentToken); err != nil {
			return err
		}
		oldFile = nil
	}
	if newFile == nil {
		return nil
	}

	if newFile.IsDirectory() {
		return rp.updateDir(ctx, s, wcPath, oldFile, newFile, parentToken, rootDir, wcDepth, reqDepth)
	}

	err := rp.updateFile(ctx, s, wcPath, oldFile, newFile, parentToken)
	if err == repository.ErrForbidden {
		w := rp.getWriter(s)
		w.ListBegin().Word("absent-file").ListBegin().
			String(wcPath).String(parentToken).
			ListEnd().ListEnd()
		return w.Err()
	}
	return err
}

func (rp *reportPipeline) updateDir(ctx context.Context, s *Session, wcPath string, prevFile, newFile *repository.File, parentToken string, rootDir bool, wcDepth, reqDepth Depth) error {
	newEntries, err := newFile.Entries(ctx)
	if err == repository.ErrForbidden {
		w := rp.getWriter(s)
		w.ListBegin().Word("absent-dir").ListBegin().
			String(wcPath).String(parentToken).
			ListEnd().ListEnd()
		return w.Err()
	}
	if err != nil {
		return err
	}

	var tokenID string
	var header *headerEntry
	oldFile := prevFile
	if rootDir && wcPath == "" {
		tokenID = parentToken
	} else {
		tokenID = rp.newToken()
		header, err = rp.sendEntryHeader(ctx, s, wcPath, prevFile, newFile, "dir", parentToken, tokenID, func(w *protocol.Writer) {
			w.ListBegin().Word("close-dir").ListBegin().String(tokenID).ListEnd().ListEnd()
		})
		if err != nil {
			return err
		}
		oldFile = header.file
	}
	if rp.startEmpty(wcPath) {
		oldFile = nil
	}

	if rootDir {
		if err := rp.sendEntryProps(ctx, rp.getWriter(s), newFile, "dir", tokenID); err != nil {
			return err
		}
	}
	if err := rp.updateProps(ctx, s, "dir", tokenID, oldFile, newFile); err != nil {
		return err
	}
	if err := rp.updateDirEntries(ctx, s, wcPath, oldFile, newFile, newEntries, tokenID, wcDepth, reqDepth); err != nil {
		return err
	}

	if header != nil {
		rp.closeHeader(s, header)
	}
	return s.writer.Err()
}

func (rp *reportPipeline) updateDirEntries(ctx context.Context, s *Session, wcPath string, oldFile, newFile *repository.File, newEntries []*repository.File, tokenID string, wcDepth, reqDepth Depth) error {
	dirAction := wcDepth.action(reqDepth, true)
	fileAction := wcDepth.action(reqDepth, false)

	newByName := make(map[string]*repository.File, len(newEntries))
	for _, entry := range newEntries {
		newByName[entry.Name()] = entry
	}

	forced := make(map[string]bool)
	for path := range rp.forcedPaths[wcPath] {
		forced[path] = true
	}

	oldByName := make(map[string]*repository.File)
	if oldFile != nil {
		oldEntries, err := oldFile.Entries(ctx)
		if err != nil && err != repository.ErrForbidden {
			return err
		}
		for _, oldEntry := range oldEntries {
			entryPath := joinPath(wcPath, oldEntry.Name())
			if _, keep := newByName[oldEntry.Name()]; keep {
				oldByName[oldEntry.Name()] = oldEntry
				continue
			}
			change, err := oldEntry.LastChange(ctx)
			if err != nil {
				return err
			}
			if err := rp.removeEntry(s, entryPath, change, tokenID); err != nil {
				return err
			}
			delete(forced, entryPath)
		}
	}

	// Paths the client mentioned that no longer exist on the server.
	forcedSorted := make([]string, 0, len(forced))
	for path := range forced {
		forcedSorted = append(forcedSorted, path)
	}
	sort.Strings(forcedSorted)
	newChange, err := newFile.LastChange(ctx)
	if err != nil {
		return err
	}
	for _, entryPath := range forcedSorted {
		if name := childName(wcPath, entryPath); name != "" {
			if _, exists := newByName[name]; exists {
				continue
			}
		}
		if err := rp.removeEntry(s, entryPath, newChange, tokenID); err != nil {
			return err
		}
	}

	for _, newEntry := range newEntries {
		entryPath := joinPath(wcPath, newEntry.Name())
		oldEntry, err := rp.prevFile(ctx, s, entryPath, oldByName[newEntry.Name()])
		if err != nil {
			return err
		}

		action := fileAction
		if newEntry.IsDirectory() {
			action = dirAction
		}

		forcedHit := forced[entryPath]
		delete(forced, entryPath)
		if !forcedHit && newEntry.Equal(oldEntry) && action == actionNormal && reqDepth == wcDepth {
			// Same entry, same depth: nothing to send.
			continue
		}
		if action == actionSkip {
			continue
		}

		entryDepth := rp.wcDepth(entryPath, wcDepth)
		if action == actionUpgrade {
			oldEntry = nil
		}
		if err := rp.updateEntry(ctx, s, entryPath, oldEntry, newEntry, tokenID, false, entryDepth, reqDepth.deepen()); err != nil {
			return err
		}
	}
	return nil
}

func (rp *reportPipeline) updateFile(ctx context.Context, s *Session, wcPath string, prevFile, newFile *repository.File, parentToken string) error {
	tokenID := rp.newToken()
	digest, err := newFile.MD5(ctx)
	if err != nil {
		return err
	}

	header, err := rp.sendEntryHeader(ctx, s, wcPath, prevFile, newFile, "file", parentToken, tokenID, func(w *protocol.Writer) {
		w.ListBegin().Word("close-file").ListBegin().
			String(tokenID).
			ListBegin().String(digest).ListEnd().
			ListEnd().ListEnd()
	})
	if err != nil {
		return err
	}
	oldFile := header.file

	if oldFile == nil || oldFile.ContentKey() != newFile.ContentKey() {
		w := rp.getWriter(s)
		w.ListBegin().Word("apply-textdelta").ListBegin().
			String(tokenID).
			ListBegin().ListEnd().
			ListEnd().ListEnd()

		if rp.params.sendDeltas {
			var source []byte
			if oldFile != nil {
				if source, err = oldFile.Content(ctx); err != nil {
					return err
				}
			}
			target, err := newFile.Content(ctx)
			if err != nil {
				return err
			}

			version := svndiff.Version0
			if s.CompressionEnabled() {
				version = svndiff.Version1
			}
			enc := svndiff.NewEncoder(version, func(chunk []byte) error {
				w.ListBegin().Word("textdelta-chunk").ListBegin().
					String(tokenID).
					Binary(chunk).
					ListEnd().ListEnd()
				return w.Err()
			})
			if err := enc.Encode(source, target); err != nil {
				return err
			}
		}

		w.ListBegin().Word("textdelta-end").ListBegin().String(tokenID).ListEnd().ListEnd()
		if err := w.Err(); err != nil {
			return err
		}
	}

	if err := rp.updateProps(ctx, s, "file", tokenID, oldFile, newFile); err != nil {
		return err
	}
	rp.closeHeader(s, header)
	return s.writer.Err()
}

// updateProps streams the property diff between the two views.
func (rp *reportPipeline) updateProps(ctx context.Context, s *Session, entryType, tokenID string, oldFile, newFile *repository.File) error {
	newProps, err := newFile.Properties(ctx)
	if err != nil {
		return err
	}
	oldProps := map[string]string{}
	if oldFile != nil {
		if oldProps, err = oldFile.Properties(ctx); err != nil {
			return err
		}
	} else {
		// Adds emit their headers even when no property differs.
		rp.getWriter(s)
	}

	diff := propertiesDiff(oldProps, newProps)
	keys := make([]string, 0, len(diff))
	for key := range diff {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		rp.changeProp(rp.getWriter(s), entryType, tokenID, key, diff[key])
	}
	return s.writer.Err()
}

// propertiesDiff returns the properties to change; a nil value deletes.
func propertiesDiff(oldProps, newProps map[string]string) map[string]*string {
	result := make(map[string]*string)
	for key, oldValue := range oldProps {
		if newValue, ok := newProps[key]; !ok {
			result[key] = nil
		} else if newValue != oldValue {
			value := newValue
			result[key] = &value
		}
	}
	for key, newValue := range newProps {
		if _, ok := oldProps[key]; !ok {
			value := newValue
			result[key] = &value
		}
	}
	return result
}

func (rp *reportPipeline) changeProp(w *protocol.Writer, entryType, tokenID, key string, value *string) {
	w.ListBegin().Word("change-" + entryType + "-prop").ListBegin().
		String(tokenID).
		String(key).
		OptString(value).
		ListEnd().ListEnd()
}

// sendEntryProps streams the svn:entry:* bookkeeping properties.
func (rp *reportPipeline) sendEntryProps(ctx context.Context, w *protocol.Writer, file *repository.File, entryType, tokenID string) error {
	if !rp.params.entryProps {
		return nil
	}
	entryProps, err := file.EntryProps(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(entryProps))
	for key := range entryProps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := entryProps[key]
		rp.changeProp(w, entryType, tokenID, key, &value)
	}
	return w.Err()
}

func (rp *reportPipeline) removeEntry(s *Session, wcPath string, rev int, parentToken string) error {
	if rp.deletedPath[wcPath] {
		return nil
	}
	if rev < 0 {
		rev = rp.params.rev
	}
	w := rp.getWriter(s)
	w.ListBegin().Word("delete-entry").ListBegin().
		String(wcPath).
		ListBegin().Number(rev).ListEnd().
		String(parentToken).
		ListEnd().ListEnd()
	return w.Err()
}

// headerEntry is a deferred open-dir/add-dir (or file) header. It is
// written by the first descendant that produces output; if nothing does,
// both the open and the close are dropped.
type headerEntry struct {
	file    *repository.File
	begin   func(w *protocol.Writer)
	end     func(w *protocol.Writer)
	written bool
}

func (he *headerEntry) write(w *protocol.Writer) {
	if !he.written {
		he.written = true
		he.begin(w)
	}
}

// closeHeader pops the entry, emitting the close only when the open went out.
func (rp *reportPipeline) closeHeader(s *Session, he *headerEntry) {
	if he.written {
		he.end(s.writer)
	}
	rp.pathStack = rp.pathStack[:len(rp.pathStack)-1]
}

// sendEntryHeader prepares the deferred header of one entry. For adds the
// header is flushed immediately (an add always means a change); for opens
// it stays pending until a descendant writes.
func (rp *reportPipeline) sendEntryHeader(ctx context.Context, s *Session, wcPath string, oldFile, newFile *repository.File, entryType, parentToken, tokenID string, end func(w *protocol.Writer)) (*headerEntry, error) {
	if oldFile == nil {
		copyFrom, err := rp.copyFromFor(ctx, s, newFile)
		if err != nil {
			return nil, err
		}
		var entryFile *repository.File
		if copyFrom != nil {
			view, err := s.branch.Revision(copyFrom.Rev)
			if err != nil {
				return nil, err
			}
			if entryFile, err = view.File(ctx, copyFrom.Path); err != nil {
				return nil, err
			}
		}

		he := &headerEntry{
			file: entryFile,
			begin: func(w *protocol.Writer) {
				rp.sendNewEntry(w, "add-"+entryType, wcPath, parentToken, tokenID, copyFrom)
				_ = rp.sendEntryProps(ctx, w, newFile, entryType, tokenID)
			},
			end: end,
		}
		rp.pathStack = append(rp.pathStack, he)
		rp.getWriter(s)
		return he, nil
	}

	change, err := oldFile.LastChange(ctx)
	if err != nil {
		return nil, err
	}
	he := &headerEntry{
		file: oldFile,
		begin: func(w *protocol.Writer) {
			w.ListBegin().Word("open-" + entryType).ListBegin().
				String(wcPath).
				String(parentToken).
				String(tokenID).
				ListBegin().Number(change).ListEnd().
				ListEnd().ListEnd()
			_ = rp.sendEntryProps(ctx, w, newFile, entryType, tokenID)
		},
		end: end,
	}
	rp.pathStack = append(rp.pathStack, he)
	return he, nil
}

// copyFromFor reports the copy source to advertise for an added entry,
// bounded by the client's revision low-watermark.
func (rp *reportPipeline) copyFromFor(ctx context.Context, s *Session, newFile *repository.File) (*repository.CopyFrom, error) {
	if !rp.params.copyFrom {
		return nil, nil
	}
	view, err := s.branch.Revision(newFile.Revision())
	if err != nil {
		return nil, err
	}
	change, err := newFile.LastChange(ctx)
	if err != nil {
		return nil, err
	}
	if change >= 0 && change != newFile.Revision() {
		if view, err = s.branch.Revision(change); err != nil {
			return nil, err
		}
	}
	copyFrom, err := view.CopyFrom(ctx, newFile.Path())
	if err != nil {
		return nil, err
	}
	if copyFrom == nil || copyFrom.Rev < rp.lowRevision() {
		return nil, nil
	}
	return copyFrom, nil
}

// lowRevision is the smallest revision the client declared; copy sources
// older than it are useless to the client.
func (rp *reportPipeline) lowRevision() int {
	low := -1
	for _, p := range rp.paths {
		if low < 0 || p.rev < low {
			low = p.rev
		}
	}
	if low < 0 {
		low = 0
	}
	return low
}

func (rp *reportPipeline) sendNewEntry(w *protocol.Writer, command, wcPath, parentToken, tokenID string, copyFrom *repository.CopyFrom) {
	w.ListBegin().Word(command).ListBegin().
		String(wcPath).
		String(parentToken).
		String(tokenID).
		ListBegin()
	if copyFrom != nil {
		w.String("/" + copyFrom.Path).Number(copyFrom.Rev)
	}
	w.ListEnd().ListEnd().ListEnd()
}

package server

import (
	"context"

	"github.com/bozaro/git-as-svn/protocol"
)

// resolveDepth maps the optional depth argument and the legacy recurse flag
// onto a Depth.
func resolveDepth(depth *protocol.Word, recurse bool) Depth {
	if depth != nil {
		return parseDepth(string(*depth))
	}
	if recurse {
		return DepthInfinity
	}
	return DepthFiles
}

// startReport enters report mode for the given parameters.
func startReport(s *Session, params deltaParams) error {
	s.log.Debug("entering report mode")
	rp := newReportPipeline(params)
	s.push(rp.reportStep)
	return nil
}

// update
//
//	params:   ( [ rev:number ] target:string recurse:bool ? depth:word
//	            send-copyfrom-args:bool ? ignore-ancestry:bool )
//	Client switches to report command set; upon finish-report the server
//	switches to editor command set.
type updateArgs struct {
	Rev            *int
	Target         string
	Recurse        bool
	Depth          *protocol.Word
	SendCopyFrom   *bool
	IgnoreAncestry *bool
}

var cmdUpdate = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *updateArgs) error {
		return startReport(s, deltaParams{
			rev:        s.revisionOrLatest(args.Rev),
			path:       normalizePath(args.Target),
			depth:      resolveDepth(args.Depth, args.Recurse),
			sendDeltas: true,
			copyFrom:   args.SendCopyFrom != nil && *args.SendCopyFrom,
			entryProps: true,
		})
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *updateArgs) string { return args.Target }),
		process: process,
	}
}()

// switch
//
//	params:   ( [ rev:number ] target:string recurse:bool url:string
//	            ? depth:word ? send-copyfrom-args:bool ignore-ancestry:bool )
type switchArgs struct {
	Rev            *int
	Target         string
	Recurse        bool
	URL            string
	Depth          *protocol.Word
	SendCopyFrom   *bool
	IgnoreAncestry *bool
}

var cmdSwitch = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *switchArgs) error {
		targetPath, err := s.repositoryPathFromURL(args.URL)
		if err != nil {
			return err
		}
		return startReport(s, deltaParams{
			rev:        s.revisionOrLatest(args.Rev),
			path:       normalizePath(args.Target),
			targetPath: targetPath,
			rebased:    true,
			depth:      resolveDepth(args.Depth, args.Recurse),
			sendDeltas: true,
			entryProps: true,
		})
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *switchArgs) string { return args.Target }),
		process: process,
	}
}()

// status
//
//	params:   ( target:string recurse:bool ? [ rev:number ] ? depth:word )
type statusArgs struct {
	Target  string
	Recurse bool
	Rev     *int
	Depth   *protocol.Word
}

var cmdStatus = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *statusArgs) error {
		return startReport(s, deltaParams{
			rev:        s.revisionOrLatest(args.Rev),
			path:       normalizePath(args.Target),
			depth:      resolveDepth(args.Depth, args.Recurse),
			sendDeltas: false,
			entryProps: true,
		})
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *statusArgs) string { return args.Target }),
		process: process,
	}
}()

// diff
//
//	params:   ( [ rev:number ] target:string recurse:bool
//	            ignore-ancestry:bool url:string ? text-deltas:bool
//	            ? depth:word )
type diffArgs struct {
	Rev            *int
	Target         string
	Recurse        bool
	IgnoreAncestry bool
	URL            string
	TextDeltas     *bool
	Depth          *protocol.Word
}

var cmdDiff = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *diffArgs) error {
		targetPath, err := s.repositoryPathFromURL(args.URL)
		if err != nil {
			return err
		}
		return startReport(s, deltaParams{
			rev:        s.revisionOrLatest(args.Rev),
			path:       normalizePath(args.Target),
			targetPath: targetPath,
			rebased:    true,
			depth:      resolveDepth(args.Depth, args.Recurse),
			sendDeltas: args.TextDeltas == nil || *args.TextDeltas,
			entryProps: false,
		})
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *diffArgs) string { return args.Target }),
		process: process,
	}
}()

// replay
//
//	params:   ( revision:number low-water-mark:number send-deltas:bool )
//	After auth exchange completes, server switches to editor command set.
//	After edit completes, server sends response.
type replayArgs struct {
	Rev          int
	LowWaterMark int
	SendDeltas   bool
}

var cmdReplay = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *replayArgs) error {
		if err := s.sendAuthRequired(); err != nil {
			return err
		}
		if err := replayRevision(ctx, s, args.Rev, args.SendDeltas); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *replayArgs) string { return "" }),
		process: process,
	}
}()

// replay-range
//
//	params:   ( start-rev:number end-rev:number low-water-mark:number
//	            send-deltas:bool )
//	After auth exchange completes, server sends each revision from
//	start-rev to end-rev, alternating between sending 'revprops' entries
//	and sending the revision in the editor command set.
type replayRangeArgs struct {
	StartRev     int
	EndRev       int
	LowWaterMark int
	SendDeltas   bool
}

var cmdReplayRange = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *replayRangeArgs) error {
		if args.StartRev > args.EndRev {
			return protocol.Errorf(protocol.CodeUnknown,
				"Invalid revision range: start: %d, end: %d", args.StartRev, args.EndRev)
		}
		if err := s.sendAuthRequired(); err != nil {
			return err
		}
		for rev := args.StartRev; rev <= args.EndRev; rev++ {
			view, err := s.branch.Revision(rev)
			if err != nil {
				return protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", rev)
			}
			s.writer.ListBegin().Word("revprops").Map(view.Properties(true)).ListEnd()
			if err := s.writer.Err(); err != nil {
				return err
			}
			if err := replayRevision(ctx, s, rev, args.SendDeltas); err != nil {
				return err
			}
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *replayRangeArgs) string { return "" }),
		process: process,
	}
}()

// replayRevision streams one revision as an editor command sequence
// against its predecessor, finishing with finish-replay.
func replayRevision(ctx context.Context, s *Session, rev int, sendDeltas bool) error {
	if rev <= 0 {
		return protocol.Errorf(protocol.CodeFsNotFound, "Cannot replay revision %d", rev)
	}
	if _, err := s.branch.Revision(rev); err != nil {
		return protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", rev)
	}

	rp := newReportPipeline(deltaParams{
		rev:        rev,
		sendDeltas: sendDeltas,
		depth:      DepthInfinity,
		entryProps: false,
	})

	w := rp.getWriter(s)
	tokenID := rp.newToken()
	w.ListBegin().Word("target-rev").ListBegin().Number(rev).ListEnd().ListEnd()
	w.ListBegin().Word("open-root").ListBegin().
		ListBegin().Number(rev - 1).ListEnd().
		String(tokenID).
		ListEnd().ListEnd()
	if err := w.Err(); err != nil {
		return err
	}

	newFile, err := s.file(ctx, rev, s.repositoryPath(""))
	if err != nil {
		return err
	}
	oldFile, err := s.file(ctx, rev-1, s.repositoryPath(""))
	if err != nil {
		return err
	}
	rp.paths[""] = setPathParams{rev: rev - 1, depth: DepthInfinity}
	if err := rp.updateEntry(ctx, s, "", oldFile, newFile, tokenID, true, DepthInfinity, DepthInfinity); err != nil {
		return err
	}

	w = rp.getWriter(s)
	w.ListBegin().Word("close-dir").ListBegin().String(tokenID).ListEnd().ListEnd()
	w.ListBegin().Word("finish-replay").ListBegin().ListEnd().ListEnd()
	return s.writer.Flush()
}

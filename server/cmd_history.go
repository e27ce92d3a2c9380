package server

import (
	"context"
	"sort"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// log
//
//	params:   ( ( target-path:string ... ) [ start-rev:number ]
//	            [ end-rev:number ] changed-paths:bool strict-node:bool
//	            ? limit:number log-revprops... )
//	Before sending response, server sends log entries, ending with "done".
type logArgs struct {
	TargetPaths  []string
	StartRev     *int
	EndRev       *int
	ChangedPaths bool
	StrictNode   bool
	Limit        *int
}

var cmdLog = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *logArgs) error {
		startRev := s.revisionOrLatest(args.StartRev)
		endRev := 0
		if args.EndRev != nil {
			endRev = *args.EndRev
		}
		descending := startRev >= endRev
		lo, hi := endRev, startRev
		if !descending {
			lo, hi = startRev, endRev
		}

		target := ""
		if len(args.TargetPaths) > 0 {
			target = s.repositoryPath(args.TargetPaths[0])
		}

		// Revisions in which the target (or one of its descendants) changed.
		var revs []int
		for rev := hi; rev >= lo && rev >= 0; rev-- {
			view, err := s.branch.Revision(rev)
			if err != nil {
				return protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", rev)
			}
			changes, err := view.ChangedPaths(ctx)
			if err != nil {
				return err
			}
			if target == "" && (len(changes) > 0 || rev == 0) {
				revs = append(revs, rev)
				continue
			}
			for path := range changes {
				if path == target || matchesSubtree(target, path) {
					revs = append(revs, rev)
					break
				}
			}
		}
		if !descending {
			for i, j := 0, len(revs)-1; i < j; i, j = i+1, j-1 {
				revs[i], revs[j] = revs[j], revs[i]
			}
		}
		if args.Limit != nil && *args.Limit > 0 && len(revs) > *args.Limit {
			revs = revs[:*args.Limit]
		}

		for _, rev := range revs {
			if err := writeLogEntry(ctx, s, rev, args.ChangedPaths); err != nil {
				return err
			}
		}
		s.writer.Word("done")
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check: checkReadArgs(func(args *logArgs) string {
			if len(args.TargetPaths) > 0 {
				return args.TargetPaths[0]
			}
			return ""
		}),
		process: process,
	}
}()

func matchesSubtree(target, path string) bool {
	if target == "" {
		return true
	}
	if len(path) <= len(target) {
		return false
	}
	return path[:len(target)] == target && path[len(target)] == '/'
}

// writeLogEntry emits one log entry:
// ( ( changed-path-entry... ) rev ( author ) ( date ) ( message )
//   has-children:bool invalid-revnum:bool revprop-count:number )
func writeLogEntry(ctx context.Context, s *Session, rev int, withChanges bool) error {
	view, err := s.branch.Revision(rev)
	if err != nil {
		return err
	}

	s.writer.ListBegin().ListBegin()
	if withChanges {
		changes, err := view.ChangedPaths(ctx)
		if err != nil {
			return err
		}
		paths := make([]string, 0, len(changes))
		for path := range changes {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			kind := changes[path]
			// ( path action ( ? copy-path copy-rev ) ( ? node-kind ? text-mods prop-mods ) )
			s.writer.ListBegin().
				String("/" + path).
				Word(string([]byte{byte(kind)}))
			if kind == repository.ChangeAdd {
				if from, err := view.CopyFrom(ctx, path); err == nil && from != nil {
					s.writer.ListBegin().String("/" + from.Path).Number(from.Rev).ListEnd()
				} else {
					s.writer.ListBegin().ListEnd()
				}
			} else {
				s.writer.ListBegin().ListEnd()
			}
			s.writer.ListBegin().ListEnd().ListEnd()
		}
	}
	s.writer.ListEnd().
		Number(rev)
	author := view.Author()
	date := view.DateString()
	log := view.Log()
	if author == "" {
		s.writer.OptString(nil)
	} else {
		s.writer.OptString(&author)
	}
	s.writer.OptString(&date).
		OptString(&log).
		Bool(false).
		Bool(false).
		Number(0).
		ListBegin().ListEnd().
		ListEnd()
	return s.writer.Err()
}

// get-locations
//
//	params:   ( path:string peg-rev:number ( rev:number ... ) )
//	Before sending response, server sends location entries, ending with "done".
//	location-entry: ( rev:number abs-path:string )
type getLocationsArgs struct {
	Path   string
	PegRev int
	Revs   []int
}

var cmdGetLocations = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getLocationsArgs) error {
		path := s.repositoryPath(args.Path)

		sorted := append([]int(nil), args.Revs...)
		sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

		cur := path
		curRev := args.PegRev
		for _, want := range sorted {
			loc, locPath, err := locateAt(ctx, s.branch, cur, curRev, want)
			if err != nil {
				return err
			}
			if loc {
				s.writer.ListBegin().Number(want).String("/" + locPath).ListEnd()
				cur = locPath
				curRev = want
			}
		}
		s.writer.Word("done")
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getLocationsArgs) string { return args.Path }),
		process: process,
	}
}()

// locateAt follows path history from (path, fromRev) back to rev, crossing
// rename boundaries. Reports whether the path existed at rev and under
// which name.
func locateAt(ctx context.Context, branch *repository.Branch, path string, fromRev, rev int) (bool, string, error) {
	cur := path
	curRev := fromRev
	for {
		change, err := branch.LastChange(ctx, cur, curRev)
		if err != nil {
			return false, "", err
		}
		if change < 0 {
			return false, "", nil
		}
		if change <= rev {
			// Same entry covers rev.
			return true, cur, nil
		}
		view, err := branch.Revision(change)
		if err != nil {
			return false, "", err
		}
		from, err := view.CopyFrom(ctx, cur)
		if err != nil {
			return false, "", err
		}
		if from == nil {
			// Added at change with no earlier origin.
			return false, "", nil
		}
		cur = from.Path
		curRev = from.Rev
	}
}

// get-location-segments
//
//	params:   ( path:string [ peg-rev:number ] [ start-rev:number ]
//	            [ end-rev:number ] )
//	Before sending response, server sends location entries, ending with "done".
//	location-entry: ( range-start:number range-end:number [ abs-path:string ] )
type getLocationSegmentsArgs struct {
	Path     string
	PegRev   *int
	StartRev *int
	EndRev   *int
}

var cmdGetLocationSegments = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getLocationSegmentsArgs) error {
		pegRev := s.revisionOrLatest(args.PegRev)
		startRev := pegRev
		if args.StartRev != nil {
			startRev = *args.StartRev
		}
		endRev := 0
		if args.EndRev != nil {
			endRev = *args.EndRev
		}
		if endRev > startRev || startRev > pegRev {
			s.writer.Word("done")
			_ = s.writer.Flush()
			return protocol.Errorf(protocol.CodeUnknown,
				"Invalid revision range: peg: %d, start: %d, end: %d", pegRev, startRev, endRev)
		}

		path := s.repositoryPath(args.Path)
		lastChange, err := s.branch.LastChange(ctx, path, pegRev)
		if err != nil {
			return err
		}
		if lastChange < 0 {
			s.writer.Word("done")
			_ = s.writer.Flush()
			return protocol.Errorf(protocol.CodeFsNotFound, "File not found: /%s@%d", path, pegRev)
		}

		maxRev := pegRev
		cur := path
		for maxRev >= endRev {
			// Find the revision where the current incarnation appeared.
			minRev := maxRev
			for minRev > 0 {
				change, err := s.branch.LastChange(ctx, cur, minRev-1)
				if err != nil {
					return err
				}
				if change < 0 {
					break
				}
				minRev = change
			}
			if minRev <= startRev {
				lo := minRev
				if lo < endRev {
					lo = endRev
				}
				hi := maxRev
				if hi > startRev {
					hi = startRev
				}
				rangePath := cur
				s.writer.ListBegin().Number(lo).Number(hi).OptString(&rangePath).ListEnd()
			}

			view, err := s.branch.Revision(minRev)
			if err != nil {
				return err
			}
			from, err := view.CopyFrom(ctx, cur)
			if err != nil {
				return err
			}
			if from == nil {
				break
			}
			maxRev = from.Rev
			cur = from.Path
		}
		s.writer.Word("done")
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getLocationSegmentsArgs) string { return args.Path }),
		process: process,
	}
}()

package server

import (
	"context"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// writeLockDesc emits a lockdesc tuple:
// ( path token owner ( ? comment ) created ( ? expires ) )
func writeLockDesc(w *protocol.Writer, desc *repository.LockDesc) {
	w.ListBegin().
		String("/" + desc.Path).
		String(desc.Token).
		String(desc.Owner)
	if desc.Comment == "" {
		w.OptString(nil)
	} else {
		comment := desc.Comment
		w.OptString(&comment)
	}
	w.String(desc.CreatedString()).
		ListBegin().ListEnd().
		ListEnd()
}

// lockValidator rejects lock targets whose declared revision is stale or
// whose path does not exist at the branch tip.
func lockValidator(ctx context.Context, s *Session) func(repository.LockTarget) error {
	return func(target repository.LockTarget) error {
		latest := s.branch.Latest()
		change, err := s.branch.LastChange(ctx, target.Path, latest)
		if err != nil {
			return err
		}
		if change < 0 {
			return protocol.Errorf(protocol.CodeFsNotFound, "No such path: /%s", target.Path)
		}
		if target.Rev >= 0 && change > target.Rev {
			return protocol.Errorf(protocol.CodeFsOutOfDate,
				"Path /%s is out of date: changed in r%d", target.Path, change)
		}
		return nil
	}
}

// lock
//
//	params:   ( path:string [ comment:string ] steal-lock:bool
//	            [ current-rev:number ] )
//	response: ( lock:lockdesc )
type lockArgs struct {
	Path      string
	Comment   *string
	StealLock bool
	Rev       *int
}

var cmdLock = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *lockArgs) error {
		path := s.repositoryPath(args.Path)
		comment := ""
		if args.Comment != nil {
			comment = *args.Comment
		}
		rev := s.revisionOrLatest(args.Rev)

		locked, err := s.repo.Locks().Lock(s.user.Name, s.branch.Name(), comment, args.StealLock,
			[]repository.LockTarget{{Path: path, Rev: rev}}, lockValidator(ctx, s))
		if err != nil {
			return err
		}

		s.writer.ListBegin().Word("success").ListBegin()
		writeLockDesc(s.writer, locked[0])
		s.writer.ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkWriteArgs(func(args *lockArgs) string { return args.Path }),
		process: process,
	}
}()

// lock-many
//
//	params:   ( [ comment:string ] steal-lock:bool ( ( path:string
//	            [ current-rev:number ] ) ... ) )
//	Before sending response, server sends lock cmd status and descriptions,
//	ending with "done".
type lockManyArgs struct {
	Comment   *string
	StealLock bool
	Targets   []lockManyTarget
}

type lockManyTarget struct {
	Path string
	Rev  *int
}

var cmdLockMany = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *lockManyArgs) error {
		comment := ""
		if args.Comment != nil {
			comment = *args.Comment
		}
		targets := make([]repository.LockTarget, 0, len(args.Targets))
		for _, t := range args.Targets {
			targets = append(targets, repository.LockTarget{
				Path: s.repositoryPath(t.Path),
				Rev:  s.revisionOrLatest(t.Rev),
			})
		}

		locked, err := s.repo.Locks().Lock(s.user.Name, s.branch.Name(), comment, args.StealLock,
			targets, lockValidator(ctx, s))
		if err != nil {
			// The whole call failed atomically; report per-path failure.
			var perr *protocol.Error
			if !asProtocolError(err, &perr) {
				return err
			}
			for range targets {
				s.writer.ListBegin().Word("failure").ListBegin().
					ListBegin().
					Number(perr.Code).String(perr.Message).String("").Number(0).
					ListEnd().
					ListEnd().ListEnd()
			}
			s.writer.Word("done")
			if err := s.writer.Flush(); err != nil {
				return err
			}
			return s.sendEmptySuccess()
		}

		for _, desc := range locked {
			s.writer.ListBegin().Word("success").ListBegin()
			writeLockDesc(s.writer, desc)
			s.writer.ListEnd().ListEnd()
		}
		s.writer.Word("done")
		if err := s.writer.Flush(); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check: func(ctx context.Context, s *Session, args any) error {
			return s.checkWrite(s.parent)
		},
		process: process,
	}
}()

// unlock
//
//	params:   ( path:string [ token:string ] break-lock:bool )
//	response: ( )
type unlockArgs struct {
	Path      string
	Token     *string
	BreakLock bool
}

var cmdUnlock = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *unlockArgs) error {
		path := s.repositoryPath(args.Path)
		token := ""
		if args.Token != nil {
			token = *args.Token
		}
		if err := s.repo.Locks().Unlock(s.user.Name, args.BreakLock, map[string]string{path: token}); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkWriteArgs(func(args *unlockArgs) string { return args.Path }),
		process: process,
	}
}()

// unlock-many
//
//	params:   ( break-lock:bool ( ( path:string [ token:string ] ) ... ) )
//	Before sending response, server sends unlocked paths, ending with "done".
type unlockManyArgs struct {
	BreakLock bool
	Targets   []unlockManyTarget
}

type unlockManyTarget struct {
	Path  string
	Token *string
}

var cmdUnlockMany = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *unlockManyArgs) error {
		tokens := make(map[string]string, len(args.Targets))
		for _, t := range args.Targets {
			token := ""
			if t.Token != nil {
				token = *t.Token
			}
			tokens[s.repositoryPath(t.Path)] = token
		}

		err := s.repo.Locks().Unlock(s.user.Name, args.BreakLock, tokens)
		if err != nil {
			var perr *protocol.Error
			if !asProtocolError(err, &perr) {
				return err
			}
			for range args.Targets {
				s.writer.ListBegin().Word("failure").ListBegin().
					ListBegin().
					Number(perr.Code).String(perr.Message).String("").Number(0).
					ListEnd().
					ListEnd().ListEnd()
			}
		} else {
			for _, t := range args.Targets {
				path := s.repositoryPath(t.Path)
				s.writer.ListBegin().Word("success").ListBegin().
					String("/" + path).
					ListEnd().ListEnd()
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
		check: func(ctx context.Context, s *Session, args any) error {
			return s.checkWrite(s.parent)
		},
		process: process,
	}
}()

// get-lock
//
//	params:   ( path:string )
//	response: ( [ lock:lockdesc ] )
type getLockArgs struct {
	Path string
}

var cmdGetLock = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getLockArgs) error {
		desc, err := s.repo.Locks().GetLock(s.repositoryPath(args.Path))
		if err != nil {
			return err
		}
		s.writer.ListBegin().Word("success").ListBegin().ListBegin()
		if desc != nil {
			writeLockDesc(s.writer, desc)
		}
		s.writer.ListEnd().ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getLockArgs) string { return args.Path }),
		process: process,
	}
}()

// get-locks
//
//	params:   ( path:string ? [ depth:word ] )
//	response: ( ( lock:lockdesc ... ) )
type getLocksArgs struct {
	Path  string
	Depth *protocol.Word
}

var cmdGetLocks = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getLocksArgs) error {
		prefix := s.repositoryPath(args.Path)
		locks, err := s.repo.Locks().GetLocks(prefix)
		if err != nil {
			return err
		}
		s.writer.ListBegin().Word("success").ListBegin().ListBegin()
		for _, desc := range locks {
			writeLockDesc(s.writer, desc)
		}
		s.writer.ListEnd().ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getLocksArgs) string { return args.Path }),
		process: process,
	}
}()

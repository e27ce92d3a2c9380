package server

import (
	"context"
	"time"

	"github.com/bozaro/git-as-svn/protocol"
	"github.com/bozaro/git-as-svn/repository"
)

// get-latest-rev
//
//	params:   ( )
//	response: ( rev:number )
type getLatestRevArgs struct{}

var cmdGetLatestRev = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getLatestRevArgs) error {
		if err := s.branch.Reload(ctx); err != nil {
			return err
		}
		s.writer.ListBegin().Word("success").ListBegin().
			Number(s.branch.Latest()).
			ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getLatestRevArgs) string { return "" }),
		process: process,
	}
}()

// get-dated-rev
//
//	params:   ( date:string )
//	response: ( rev:number )
type getDatedRevArgs struct {
	Date string
}

var cmdGetDatedRev = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getDatedRevArgs) error {
		ts, err := time.Parse(time.RFC3339Nano, args.Date)
		if err != nil {
			return protocol.Errorf(protocol.CodeBadURL, "Invalid date: %s", args.Date)
		}
		s.writer.ListBegin().Word("success").ListBegin().
			Number(s.branch.RevisionByDate(ts)).
			ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getDatedRevArgs) string { return "" }),
		process: process,
	}
}()

// check-path
//
//	params:   ( path:string [ rev:number ] )
//	response: ( kind:node-kind )
type checkPathArgs struct {
	Path string
	Rev  *int
}

var cmdCheckPath = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *checkPathArgs) error {
		file, err := s.file(ctx, s.revisionOrLatest(args.Rev), s.repositoryPath(args.Path))
		if err != nil {
			return err
		}
		kind := repository.KindNone
		if file != nil {
			kind = file.Kind()
		}
		s.writer.ListBegin().Word("success").ListBegin().
			Word(string(kind)).
			ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *checkPathArgs) string { return args.Path }),
		process: process,
	}
}()

// stat
//
//	params:   ( path:string [ rev:number ] )
//	response: ( ? entry:dirent )
type statArgs struct {
	Path string
	Rev  *int
}

var cmdStat = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *statArgs) error {
		file, err := s.file(ctx, s.revisionOrLatest(args.Rev), s.repositoryPath(args.Path))
		if err != nil {
			return err
		}
		s.writer.ListBegin().Word("success").ListBegin().ListBegin()
		if file != nil {
			if err := writeDirent(ctx, s, file, false); err != nil {
				return err
			}
		}
		s.writer.ListEnd().ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *statArgs) string { return args.Path }),
		process: process,
	}
}()

// writeDirent emits a dirent tuple:
// ( kind size has-props created-rev ( date ) ( author ) ) with the entry
// name prepended when named is set.
func writeDirent(ctx context.Context, s *Session, file *repository.File, named bool) error {
	size, err := file.Size(ctx)
	if err != nil {
		return err
	}
	fileProps, err := file.Properties(ctx)
	if err != nil {
		return err
	}
	change, err := file.LastChange(ctx)
	if err != nil {
		return err
	}
	if change < 0 {
		change = file.Revision()
	}
	changed, err := s.branch.Revision(change)
	if err != nil {
		return err
	}

	s.writer.ListBegin()
	if named {
		s.writer.String(file.Name())
	}
	s.writer.Word(string(file.Kind())).
		Number(int(size)).
		Bool(len(fileProps) > 0).
		Number(change)
	date := changed.DateString()
	author := changed.Author()
	s.writer.OptString(&date)
	if author == "" {
		s.writer.OptString(nil)
	} else {
		s.writer.OptString(&author)
	}
	s.writer.ListEnd()
	return s.writer.Err()
}

// get-dir
//
//	params:   ( path:string [ rev:number ] want-props:bool want-contents:bool
//	            ? ( field:dirent-field ... ) )
//	response: ( rev:number props:proplist ( entry:dirent ... ) )
type getDirArgs struct {
	Path         string
	Rev          *int
	WantProps    bool
	WantContents bool
	Fields       []protocol.Word
}

var cmdGetDir = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getDirArgs) error {
		rev := s.revisionOrLatest(args.Rev)
		path := s.repositoryPath(args.Path)
		dir, err := s.file(ctx, rev, path)
		if err != nil {
			return err
		}
		if dir == nil || !dir.IsDirectory() {
			return protocol.Errorf(protocol.CodeFsNotFound, "No such directory: /%s in revision %d", path, rev)
		}

		dirProps := map[string]string{}
		if args.WantProps {
			if dirProps, err = dir.Properties(ctx); err != nil {
				return err
			}
			entryProps, err := dir.EntryProps(ctx)
			if err != nil {
				return err
			}
			for k, v := range entryProps {
				dirProps[k] = v
			}
		}

		s.writer.ListBegin().Word("success").ListBegin().
			Number(rev).
			Map(dirProps).
			ListBegin()
		if args.WantContents {
			entries, err := dir.Entries(ctx)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				if err := writeDirent(ctx, s, entry, true); err != nil {
					return err
				}
			}
		}
		s.writer.ListEnd().ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getDirArgs) string { return args.Path }),
		process: process,
	}
}()

// get-file
//
//	params:   ( path:string [ rev:number ] want-props:bool want-contents:bool )
//	response: ( [ checksum:string ] rev:number props:proplist )
//	If want-contents is specified, the server sends file contents as a
//	series of strings, terminated by the empty string, followed by a
//	second empty command response.
type getFileArgs struct {
	Path         string
	Rev          *int
	WantProps    bool
	WantContents bool
}

var cmdGetFile = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getFileArgs) error {
		rev := s.revisionOrLatest(args.Rev)
		path := s.repositoryPath(args.Path)
		file, err := s.file(ctx, rev, path)
		if err != nil {
			return err
		}
		if file == nil || file.IsDirectory() {
			return protocol.Errorf(protocol.CodeFsNotFound, "No such file: /%s in revision %d", path, rev)
		}

		digest, err := file.MD5(ctx)
		if err != nil {
			return err
		}
		fileProps := map[string]string{}
		if args.WantProps {
			if fileProps, err = file.Properties(ctx); err != nil {
				return err
			}
			entryProps, err := file.EntryProps(ctx)
			if err != nil {
				return err
			}
			for k, v := range entryProps {
				fileProps[k] = v
			}
		}

		s.writer.ListBegin().Word("success").ListBegin().
			OptString(&digest).
			Number(rev).
			Map(fileProps).
			ListEnd().ListEnd()
		if err := s.writer.Flush(); err != nil {
			return err
		}

		if args.WantContents {
			content, err := file.Content(ctx)
			if err != nil {
				return err
			}
			const chunkSize = 64 * 1024
			for off := 0; off < len(content); off += chunkSize {
				end := off + chunkSize
				if end > len(content) {
					end = len(content)
				}
				s.writer.Binary(content[off:end])
			}
			s.writer.String("")
			if err := s.writer.Flush(); err != nil {
				return err
			}
			return s.sendEmptySuccess()
		}
		return nil
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getFileArgs) string { return args.Path }),
		process: process,
	}
}()

// get-iprops
//
//	params:   ( path:string [ rev:number ] )
//	response: ( inherited-props:iproplist )
//	iprop: ( path:string props:proplist )
type getIPropsArgs struct {
	Path string
	Rev  *int
}

var cmdGetIProps = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *getIPropsArgs) error {
		rev := s.revisionOrLatest(args.Rev)
		target := s.repositoryPath(args.Path)

		// Ancestors root-first, excluding the target itself.
		var ancestors []string
		for dir := ""; dir != target; {
			ancestors = append(ancestors, dir)
			next := childPathComponent(dir, target)
			if next == "" {
				break
			}
			dir = next
		}

		s.writer.ListBegin().Word("success").ListBegin().ListBegin()
		for _, dir := range ancestors {
			file, err := s.file(ctx, rev, dir)
			if err != nil {
				return err
			}
			if file == nil {
				continue
			}
			dirProps, err := file.Properties(ctx)
			if err != nil {
				return err
			}
			if len(dirProps) == 0 {
				continue
			}
			s.writer.ListBegin().String(dir).Map(dirProps).ListEnd()
		}
		s.writer.ListEnd().ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *getIPropsArgs) string { return args.Path }),
		process: process,
	}
}()

// childPathComponent extends dir one component towards target, or "".
func childPathComponent(dir, target string) string {
	rest := target
	if dir != "" {
		if len(target) <= len(dir)+1 {
			return ""
		}
		rest = target[len(dir)+1:]
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return joinPath(dir, rest[:i])
		}
	}
	return ""
}

// reparent
//
//	params:   ( url:string )
//	response: ( )
type reparentArgs struct {
	URL string
}

var cmdReparent = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *reparentArgs) error {
		if err := s.reparent(args.URL); err != nil {
			return err
		}
		return s.sendEmptySuccess()
	})
	return &handler{newArgs: newArgs, process: process}
}()

// rev-prop
//
//	params:   ( rev:number name:string )
//	response: ( [ value:string ] )
type revPropArgs struct {
	Rev  int
	Name string
}

var cmdRevProp = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *revPropArgs) error {
		view, err := s.branch.Revision(args.Rev)
		if err != nil {
			return protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", args.Rev)
		}
		value := view.Property(args.Name)
		s.writer.ListBegin().Word("success").ListBegin()
		if value == "" {
			s.writer.OptString(nil)
		} else {
			s.writer.OptString(&value)
		}
		s.writer.ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *revPropArgs) string { return "" }),
		process: process,
	}
}()

// rev-proplist
//
//	params:   ( rev:number )
//	response: ( props:proplist )
type revPropListArgs struct {
	Rev int
}

var cmdRevPropList = func() *handler {
	newArgs, process := typedArgs(func(ctx context.Context, s *Session, args *revPropListArgs) error {
		view, err := s.branch.Revision(args.Rev)
		if err != nil {
			return protocol.Errorf(protocol.CodeFsNotFound, "No such revision %d", args.Rev)
		}
		s.writer.ListBegin().Word("success").ListBegin().
			Map(view.Properties(true)).
			ListEnd().ListEnd()
		return s.writer.Flush()
	})
	return &handler{
		newArgs: newArgs,
		check:   checkReadArgs(func(args *revPropListArgs) string { return "" }),
		process: process,
	}
}()

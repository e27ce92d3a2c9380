package server

import (
	"context"
)

// handler is one protocol command: an argument record factory, an optional
// permission check run before processing, and the processor itself.
type handler struct {
	newArgs func() any
	check   func(ctx context.Context, s *Session, args any) error
	process func(ctx context.Context, s *Session, args any) error
}

// commands is the dispatch registry, keyed by command word.
var commands = map[string]*handler{
	"get-latest-rev":        cmdGetLatestRev,
	"get-dated-rev":         cmdGetDatedRev,
	"check-path":            cmdCheckPath,
	"stat":                  cmdStat,
	"get-dir":               cmdGetDir,
	"get-file":              cmdGetFile,
	"get-iprops":            cmdGetIProps,
	"reparent":              cmdReparent,
	"log":                   cmdLog,
	"get-locations":         cmdGetLocations,
	"get-location-segments": cmdGetLocationSegments,
	"rev-prop":              cmdRevProp,
	"rev-proplist":          cmdRevPropList,
	"update":                cmdUpdate,
	"switch":                cmdSwitch,
	"status":                cmdStatus,
	"diff":                  cmdDiff,
	"replay":                cmdReplay,
	"replay-range":          cmdReplayRange,
	"commit":                cmdCommit,
	"lock":                  cmdLock,
	"lock-many":             cmdLockMany,
	"unlock":                cmdUnlock,
	"unlock-many":           cmdUnlockMany,
	"get-lock":              cmdGetLock,
	"get-locks":             cmdGetLocks,
}

// typedArgs adapts a typed processor to the registry's any-based shape.
func typedArgs[T any](process func(ctx context.Context, s *Session, args *T) error) (func() any, func(ctx context.Context, s *Session, args any) error) {
	return func() any { return new(T) },
		func(ctx context.Context, s *Session, args any) error {
			return process(ctx, s, args.(*T))
		}
}

// checkReadArgs builds a read permission check over the command path.
func checkReadArgs[T any](path func(args *T) string) func(ctx context.Context, s *Session, args any) error {
	return func(ctx context.Context, s *Session, args any) error {
		return s.checkRead(s.repositoryPath(path(args.(*T))))
	}
}

// checkWriteArgs builds a write permission check over the command path.
func checkWriteArgs[T any](path func(args *T) string) func(ctx context.Context, s *Session, args any) error {
	return func(ctx context.Context, s *Session, args any) error {
		return s.checkWrite(s.repositoryPath(path(args.(*T))))
	}
}

// Package dircachefingerprint fingerprints files with several digest
// algorithms in one streaming pass, caches the digests by file identity and
// groups files with identical content.
//
// # Core API
//
// The main entry point is Engine, which owns the configuration and cache of
// one repository (a directory holding .dcfp):
//
//	e, err := dircachefingerprint.NewEngine("/path/to/dir", "")
//	if err != nil {
//		return err
//	}
//	defer e.Close()
//
//	report, err := e.RunPaths(shutdownChan, []string{"."})
//	for _, group := range report.Groups {
//		fmt.Println(group.Count, group.Members[0].Path)
//	}
//
// Files that are not on disk can be fed as FileSources:
//
//	sources := make(chan dircachefingerprint.FileSource)
//	go func() {
//		defer close(sources)
//		sources <- dircachefingerprint.NewReaderSource(id, open)
//	}()
//	report, err := e.Run(shutdownChan, sources)
//
// Closing shutdownChan stops a run at the next chunk boundary; the report is
// then marked Cancelled and covers only the files already finished.
//
// # Caching
//
// A cached fingerprint is reused only when size and modification time equal
// the file's current values exactly. A file rewritten in place with the same
// size and a restored mtime is served stale; this is the price of never
// re-reading unchanged files.
//
// # Configuration
//
// Settings come from .dcfp/config (go-ini) and may be overridden per run:
//
//	e.ApplyConfigOverrides(map[string]string{"algorithms": "sha256,xxh3", "hash_workers": "8"})
//	dircachefingerprint.SetDebugFlags("pool,cache")
//	dircachefingerprint.SetVerboseLevel(2)
package dircachefingerprint

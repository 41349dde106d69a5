// Package s3mmap maps S3 objects into memory: Map returns a pointer and
// a size, and plain memory reads fetch the object's bytes on demand.
//
// The mapped range is backed by userfaultfd. A read of a page that has
// not been fetched yet traps into the library, which issues a ranged GET
// for that page plus a read-ahead window sized by recent access density,
// installs the bytes and resumes the reader. Racing reads of the same
// page share one fetch. Resident pages beyond a budget are released back
// to the kernel and refetched if touched again, so a mapping can be much
// larger than memory.
//
// # Fatal failures
//
// A plain memory read has no error return. If a read is blocked on a
// page whose fetch fails in a way retries cannot cure, such as the object
// having been deleted, credentials being revoked, or the store answering
// with malformed responses, the library logs the failure and terminates
// the process. Map and Unmap themselves return ordinary errors, and
// speculative read-ahead failures are never fatal; only a fetch an
// application thread is actually blocked on can escalate. Applications
// that must survive mid-read object loss should not read it through a
// mapping.
//
// # Platform
//
// Demand paging requires userfaultfd and therefore Linux. On other
// platforms Map returns ErrUnsupported.
//
// A goroutine blocked in a page fault holds its OS thread without
// yielding to the scheduler, so servicing faults needs runtime
// parallelism: Map raises GOMAXPROCS to 2 if it is lower. Programs that
// pin GOMAXPROCS to 1 after mapping will hang on their next uncached
// read.
//
// # Teardown
//
// Unmap quiesces the mapping's fault handling before releasing its
// address range. The caller must guarantee no goroutine still reads the
// mapping; a read racing an Unmap faults into a range nobody services.
package s3mmap

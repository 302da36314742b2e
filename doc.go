// Package segcache is a memcached-style caching client layer that stores
// values of any size on top of stores that cap entry size.
//
// Components:
//   - Provider: the store capability (get/get-multi/set/add/replace/cas/delete/
//     flush, each entry carrying flags and a CAS token). provider/local is the
//     in-process reference store; provider/redis, provider/ristretto and
//     provider/bigcache adapt real backends.
//   - Segmented: a Provider decorator. Values longer than MaxSize are split into
//     parts written under "<hash>:<i>"; the caller's key holds the descriptor
//     "<hash>:<count>" with the PartialValue flag bit set. Reads reassemble the
//     parts and fail closed (miss) when any part is gone.
//   - Cache[V]: typed, namespaced client over a Provider with a pluggable Codec[V].
//
// Write ordering:
//
//	parts "<hash>:0" .. "<hash>:<n-1>"  (ttl + 1s, so parts outlive the master)
//	master "<key>" = "<hash>:<n>"       (flags | PartialValue)
//
// Nothing spans those writes: a failure in between leaves orphaned parts that
// expire on their own.
package segcache

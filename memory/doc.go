// Package memory holds retrieval stores and the bridge Provider that serves
// them to scripts. Scripts reach a store through ordinary retrieval
// descriptors:
//
//	retrieval:memory.store   {session, content, metadata}
//	retrieval:memory.search  {session, query, limit}
//	retrieval:memory.delete  {session, id}
//	retrieval:memory.get     {session}
//	retrieval:memory.put     {session, values}
//
// Store is the backend contract; InMemoryStore is the process-local
// implementation used by tests and the default runtime. Vector or external
// backends plug in by implementing Store.
package memory

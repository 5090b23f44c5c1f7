/*
Package odb implements a typed object store on top of a key-value engine
(in this case, on top of Bolt or an in-memory B-tree).

We implement:

1. Objects, arbitrary structs identified by a monotonically allocated
64-bit object id (OID), materialized on demand and tracked by identity
within a transaction.

2. Tables, one per registered struct type, with a persistent name, a table
id and a schema version that is written out lazily on the first mutation
touching the table.

3. Singletons, a per-table root object with a stable OID, cached across
transactions by the engine's transaction number.

4. Relations, per-transaction handles into the secondary-index subsystem,
resolved through an intrusive chain that promotes itself to a hash lookup.

# Technical Details

**Key space.**
The engine is a flat ordered byte-key store. We scope keys by short binary
prefixes: table names, versions and singleton OIDs live under a meta
prefix; objects live under AllObjects keyed by the encoded OID;
dictionaries and relation indexes have their own prefixes so they can be
erased wholesale.

**OID encoding.**
OIDs are encoded as length-prefixed variable-length unsigned integers
(1 to 9 bytes). The first byte encodes the length in its high bits, so
lexicographic key order matches numeric OID order.

**Object values.**
An object value is: table id (varuint), schema version (varuint), then the
output of the table's saver. The default saver writes a length-prefixed
msgpack blob of the struct; custom savers can nest further objects inline
or by reference.

**Transactions.**
A transaction instance is single-threaded. Readers run concurrently
against the snapshot at their transaction number; at most one writer
exists at a time. Mutations accumulate in a dirty set and are flushed on
Commit, possibly over several rounds when savers store further objects.
*/
package odb

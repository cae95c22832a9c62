/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# CloudKV: an in-memory key value cloud with fork/join tasks

## Data Model

* Key, an interned byte string with a cached hash, a desired replica count and the set of nodes known to cache it.

* Value, a versioned immutable payload. Tombstones and persistence sentinels are values too.

* Cloud, an immutable snapshot of the members: a uuid, a rolling one byte epoch and the sorted node list.

* Array, a header key plus fixed size chunks. Parsed arrays are row major with one encoded slot per column.

## Architecture

Every node runs the same components, hung off one server context:

* store, the local concurrent map. All writes are compare and swap; persistence happens in the background.

* cloud, heartbeats and proposals that agree on the membership, plus placement of keys on members.

* dkv, the distributed view of the key space: home nodes order writes, replicate and invalidate cached copies.

* task, fork/map/reduce over the chunks of an array along a binary tree of nodes, with failover to replicas.

* job, a registry of long running jobs kept in a builtin key.

* parse, a two pass scanner turning raw CSV bytes into a compact columnar array.

Nodes talk gRPC point to point and gossip (memberlist) for heartbeats. Each node serves a RESTful API for
keys, imports, parses, jobs, stats and metrics.

### Storage

values live in memory; a rocksdb or badger column family holds the persisted copies

## Building Blocks

* gRPC
* memberlist
* Rocksdb / Badger
* Roaring bitmaps
* Prometheus

*/

package cloudkv

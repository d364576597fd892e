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

# MDCache: the in-memory namespace cache of a metadata server

## Data Model

* Inode, inode number(ino) --> attributes, layout, dirstat and rstat

* Dentry, <dirfrag, name> --> primary(ino + embedded inode), remote(ino + dtype) or null

* Dirfrag, <dir ino, frag> --> fnode + dentries, the unit of fetch and write back

* Backtrace, ino --> ancestor path, stored with the inode's objects so an ino can be found without its path

* Stray, the hidden directories under mydir holding unlinked inodes that are still referenced

## Architecture

* Object table, the ino and dirfrag indexes of every resident object

* Request ledger, one record per live client request, with its locks, pins and undo

* Journal, every mutation is written to the log before it is applied, replayed on startup

* Write back, dirty objects are flushed to the store and the journal is expired behind them

* Trim, clean unreferenced inodes are evicted in LRU order

## Building Blocks

* Rocksdb
* gRPC
* Prometheus

*/

package mdcache

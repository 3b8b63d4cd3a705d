package tinyrm

/*
TinyRM is a resource manager for AT-mode distributed transactions over a relational store. Each local transaction that
joins a global transaction becomes a branch: before it commits, the rows its UPDATE and DELETE statements touch are
captured before and after execution, turned into undo logs stored next to the data, and summarized as row lock keys
the branch is registered with. If the global transaction rolls back, the undo logs restore the before images.

Building TinyRM produces one executable, tinyrm, which runs SQL batches as branches and drives their second phase.

The `tinyrm` module is organized into the following packages:

* `rm/datasource`: the data source and connection proxy that turn local transactions into branches.
* `rm/datasource/exec`: image capture for statement batches and the construction of undo logs and lock keys.
* `rm/datasource/schema`: rows, table snapshots and lock keys.
* `rm/datasource/sqlrecognizer`: statement classification, based on the TiDB SQL parser.
* `rm/datasource/meta`: table metadata and row reads.
* `rm/datasource/undo`: undo log storage and replay.
* `rm/coordinator`: a badger-backed branch registry standing in for the transaction coordinator.
* `rm/config`, `rm/engine`: configuration and the SQLite store.
*/

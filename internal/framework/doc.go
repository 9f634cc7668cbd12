/*
Package framework defines the identity-management data model shared by callers,
the remote connector server and connector implementations.

It contains:

  - Identity types: ConnectorKey, ObjectClass, Uid, Attribute, ConnectorObject
  - Query types: Filter, SearchResult, SyncToken, SyncDelta
  - Batch types: BatchTask, BatchResult, BatchToken
  - The connector SPI: Connector plus one optional interface per operation
  - ConnectorError, whose kind survives transport to the caller
*/
package framework

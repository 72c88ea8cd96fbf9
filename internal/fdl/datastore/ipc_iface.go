/*-
 * Copyright © 2016-2017, Jörg Pernfuß <code.jpe@gmail.com>
 * Copyright © 2016, 1&1 Internet SE
 * All rights reserved.
 *
 * Use of this source code is governed by a 2-clause BSD license
 * that can be found in the LICENSE file.
 */

package datastore

import (
	"context"

	"github.com/solnx/stream-fdl/internal/fdl/ipc"
)

// IPCClient is the subset of *ipc.Client the Store depends on. Defined
// as an exported interface so both this package's tests and downstream
// packages (watchlist, faultdetect, dsg) can substitute a fake IPC
// collaborator without standing up Kafka/Redis; *ipc.Client satisfies
// it for production use.
type IPCClient interface {
	RequestNode(ctx context.Context, key string) (*ipc.NodeInfo, error)
	RequestTopic(ctx context.Context, key string) (*ipc.TopicInfo, error)
	Search(ctx context.Context, isTopic bool, name string) (string, error)
	SubscribeAttribute(ctx context.Context, primaryKey, attribute string, continuous bool) (ipc.AttributeChannel, string, error)
	Unsubscribe(ctx context.Context, requestID string) error
	QueryGraphTopology(ctx context.Context) ([]byte, error)
	Poll(kind ipc.UpdateKind) []ipc.Update
}

var _ IPCClient = (*ipc.Client)(nil)

/*
 * Copyright 2018 Federa and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package federa

import (
	"context"

	"github.com/federa-dev/federa/codec"
)

// key is an unexported type for keys defined in this package.
// This prevents collisions with keys defined in other packages.
type key int

// messageKey is the key for verified codec messages in Contexts. It is
// unexported; clients use federa.NewMessageContext and
// federa.FromMessageContext instead of using this key directly.
var messageKey key

// NewMessageContext returns a new Context that carries the provided verified
// message.
func NewMessageContext(ctx context.Context, msg *codec.Message) context.Context {
	return context.WithValue(ctx, messageKey, msg)
}

// FromMessageContext returns the verified message stored in ctx, if any.
func FromMessageContext(ctx context.Context) (*codec.Message, bool) {
	msg, ok := ctx.Value(messageKey).(*codec.Message)
	return msg, ok
}

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
	"github.com/solnx/stream-fdl/internal/fdl/model"
	"github.com/solnx/stream-fdl/internal/fdl/refcount"
)

// record is the store's sole owner of a cached member: the backing
// storage MemberPtr hands out shared access to.
type record struct {
	member    model.Member
	counter   refcount.Counter
	requestID string
}

// MemberPtr is a ref-counted handle onto a record owned by the Store.
// Clone increments the shared counter; Release decrements it. The Store's
// ingestion loop is the sole party that ever erases the backing record,
// and only once the counter has been observed at zero for a full cycle.
type MemberPtr struct {
	rec *record
}

// Valid reports whether the handle refers to a record (a null handle is
// returned by name lookups that the remote service could not resolve).
func (p MemberPtr) Valid() bool {
	return p.rec != nil
}

// Clone returns a new handle sharing the same record, incrementing the
// reference count.
func (p MemberPtr) Clone() MemberPtr {
	if p.rec == nil {
		return p
	}
	p.rec.counter.Increase()
	return MemberPtr{rec: p.rec}
}

// Release decrements the reference count. Callers must call Release
// exactly once per handle obtained (including the implicit handle
// returned by Store.GetNode/GetTopic) when they are done with it.
func (p MemberPtr) Release() {
	if p.rec == nil {
		return
	}
	p.rec.counter.Decrease()
}

// Member returns the underlying graph member.
func (p MemberPtr) Member() model.Member {
	if p.rec == nil {
		return nil
	}
	return p.rec.member
}

// Proxy returns the identity-only reference to the underlying member. A
// null handle (Valid() == false) yields a zero-value proxy.
func (p MemberPtr) Proxy() model.MemberProxy {
	if p.rec == nil {
		return model.MemberProxy{}
	}
	return p.rec.member.Proxy()
}

// Equal compares two handles by the primary key of their underlying
// member (MemberPtr equality is by identity, not by record pointer).
func (p MemberPtr) Equal(o MemberPtr) bool {
	if p.rec == nil || o.rec == nil {
		return p.rec == o.rec
	}
	return p.rec.member.Key() == o.rec.member.Key()
}

func newMemberPtr(r *record) MemberPtr {
	r.counter.Increase()
	return MemberPtr{rec: r}
}

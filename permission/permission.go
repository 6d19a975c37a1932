/*
 * Copyright 2024 The zkDatabase Authors.
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
 */

// Package permission implements the packed bitmask permission model.
//
// A Permission packs three principal classes (owner, group, other), eight
// bits each, of which the low five are action bits. Evaluation consults
// exactly one principal class: owner precedence is absolute, then group
// membership, then other.
package permission

import (
	"fmt"
)

// Action is a single permission action bit.
type Action uint8

// Action bits, low five bits of each principal class byte.
const (
	Read Action = 1 << iota
	Write
	Delete
	Create
	System
)

// AllActions is the full action set of one principal class.
const AllActions Base = Base(Read | Write | Delete | Create | System)

func (a Action) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Delete:
		return "delete"
	case Create:
		return "create"
	case System:
		return "system"
	}
	return fmt.Sprintf("Action(%#x)", uint8(a))
}

// Base is the action bit set of one principal class.
type Base uint8

// NewBase builds a Base from action bits.
func NewBase(actions ...Action) (b Base) {
	for _, a := range actions {
		b |= Base(a)
	}
	return
}

// Can reports whether the base grants the action.
func (b Base) Can(a Action) bool {
	return b&Base(a) != 0
}

// Combine unions two bases bitwise.
func (b Base) Combine(o Base) Base {
	return b | o
}

// Permission packs the owner, group and other bases into one integer:
// owner occupies bits 16-23, group bits 8-15, other bits 0-7.
type Permission uint32

// Max is the largest representable packed permission value.
const Max Permission = 0xFFFFFF

// Shift amounts of the principal class bytes.
const (
	ownerShift = 16
	groupShift = 8
	otherShift = 0
)

// New packs the three principal class bases into a Permission.
func New(owner, group, other Base) Permission {
	return Permission(owner)<<ownerShift |
		Permission(group)<<groupShift |
		Permission(other)<<otherShift
}

// From validates a raw packed value and returns it as a Permission.
func From(v uint32) (Permission, error) {
	if Permission(v) > Max {
		return 0, fmt.Errorf("permission value %#x exceeds %#x", v, uint32(Max))
	}
	return Permission(v), nil
}

// Owner returns the owner class base.
func (p Permission) Owner() Base {
	return Base(p >> ownerShift)
}

// Group returns the group class base.
func (p Permission) Group() Base {
	return Base(p >> groupShift)
}

// Other returns the other class base.
func (p Permission) Other() Base {
	return Base(p >> otherShift)
}

// Combine unions two permissions per (principal class, action) bit. It is
// used only when merging a document-level override with its collection's
// default permission at creation time, never at access-check time.
func (p Permission) Combine(o Permission) Permission {
	return p | o
}

func (p Permission) String() string {
	return fmt.Sprintf("owner=%05b group=%05b other=%05b",
		uint8(p.Owner()), uint8(p.Group()), uint8(p.Other()))
}

// Evaluate resolves the action set granted to actor on a resource owned by
// ownerName in resourceGroup. Exactly one principal class is consulted:
// the owner base if actor is the owner, else the group base if any of
// actorGroups matches resourceGroup, else the other base. Classes are never
// combined at evaluation time, even when the owner is also a group member.
func Evaluate(actor, ownerName string, actorGroups []string, resourceGroup string, p Permission) Base {
	if actor == ownerName {
		return p.Owner()
	}
	for _, g := range actorGroups {
		if g == resourceGroup {
			return p.Group()
		}
	}
	return p.Other()
}

// Has reports whether actor is granted the action on the resource.
func Has(actor, ownerName string, actorGroups []string, resourceGroup string, p Permission, a Action) bool {
	return Evaluate(actor, ownerName, actorGroups, resourceGroup, p).Can(a)
}

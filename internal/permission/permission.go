// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package permission answers whether the user allows location services.
package permission

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Status is the authorization state of location services.
type Status int

const (
	// Undetermined means the user has not been asked yet.
	Undetermined Status = iota
	Granted
	Denied
	// Restricted means location services are unavailable on this system.
	Restricted
)

func (s Status) String() string {
	switch s {
	case Undetermined:
		return "undetermined"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	case Restricted:
		return "restricted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseStatus converts the textual form of a Status back. Case is ignored.
func ParseStatus(value string) (Status, error) {
	for _, status := range []Status{Undetermined, Granted, Denied, Restricted} {
		if strings.EqualFold(value, status.String()) {
			return status, nil
		}
	}
	return Undetermined, fmt.Errorf("unknown permission status: %q", value)
}

// Checker reports and requests the location permission.
type Checker interface {
	Status(ctx context.Context) (Status, error)
	Request(ctx context.Context) error
}

// Static is a Checker with a configured answer. Requesting an undetermined permission grants it.
type Static struct {
	mu     sync.Mutex
	status Status
}

func NewStatic(status Status) *Static {
	return &Static{status: status}
}

func (s *Static) Status(context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

func (s *Static) Request(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == Undetermined {
		s.status = Granted
	}
	return nil
}

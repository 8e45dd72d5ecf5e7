// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestError(t *testing.T) {
	err := New(KindValidation, "proxy port must be set")
	if err.Error() != "proxy port must be set" {
		t.Errorf("expected 'proxy port must be set', got '%s'", err.Error())
	}

	wrapped := Wrap(err, KindInternal, "failed to load config")
	if wrapped.Error() != "failed to load config: proxy port must be set" {
		t.Errorf("unexpected message: '%s'", wrapped.Error())
	}

	if Wrap(nil, KindInternal, "nothing") != nil {
		t.Error("wrapping nil must return nil")
	}
}

func TestGetKind(t *testing.T) {
	err := New(KindExhausted, "flow table full")
	if GetKind(err) != KindExhausted {
		t.Errorf("expected KindExhausted, got %v", GetKind(err))
	}
	if GetKind(err).String() != "exhausted" {
		t.Errorf("expected exhausted, got %s", GetKind(err))
	}

	wrapped := Wrap(err, KindInternal, "failed")
	if GetKind(wrapped) != KindInternal {
		t.Errorf("expected KindInternal, got %v", GetKind(wrapped))
	}

	if GetKind(errors.New("std error")) != KindUnknown {
		t.Errorf("expected KindUnknown, got %v", GetKind(errors.New("std error")))
	}
	if IsKind(nil, KindUnknown) {
		t.Error("nil error has no kind")
	}
}

func TestSentinelMatchesThroughWrapping(t *testing.T) {
	sentinel := New(KindNotFound, "no socket for flow")
	wrapped := fmt.Errorf("redirect: %w", Wrap(sentinel, KindUnavailable, "deliver"))

	if !Is(wrapped, sentinel) {
		t.Error("expected sentinel to match through wrapping")
	}
	if Is(wrapped, New(KindNotFound, "something else")) {
		t.Error("different message must not match")
	}
}

func TestAttributes(t *testing.T) {
	err := New(KindValidation, "invalid port")
	err = Attr(err, "field", "intercept.ports")
	err = Attr(err, "value", 0)

	attrs := GetAttributes(err)
	if attrs["field"] != "intercept.ports" {
		t.Errorf("expected intercept.ports, got %v", attrs["field"])
	}
	if attrs["value"] != 0 {
		t.Errorf("expected 0, got %v", attrs["value"])
	}

	wrapped := Wrap(err, KindInternal, "failed")
	wrapped = Attr(wrapped, "operation", "load")

	allAttrs := GetAttributes(wrapped)
	if allAttrs["field"] != "intercept.ports" || allAttrs["operation"] != "load" {
		t.Errorf("missing attributes: %v", allAttrs)
	}
}

// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package enginebridge

import (
	"errors"

	"github.com/joeycumines/logiface"
)

// policyOptions holds configuration for NewPolicy.
type policyOptions struct {
	logger      *logiface.Logger[logiface.Event]
	hospice     *Hospice
	interceptor *PolicyInterceptor
}

// hospiceOptions holds configuration for NewHospice.
type hospiceOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// Option configures a Policy or a Hospice instance.
type Option interface {
	applyPolicy(*policyOptions) error
	applyHospice(*hospiceOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyPolicyFunc  func(*policyOptions) error
	applyHospiceFunc func(*hospiceOptions) error
}

var errOptionUnsupported = errors.New("enginebridge: option not supported by this target")

func (o *optionImpl) applyPolicy(opts *policyOptions) error {
	if o.applyPolicyFunc == nil {
		return errOptionUnsupported
	}
	return o.applyPolicyFunc(opts)
}

func (o *optionImpl) applyHospice(opts *hospiceOptions) error {
	if o.applyHospiceFunc == nil {
		return errOptionUnsupported
	}
	return o.applyHospiceFunc(opts)
}

// WithLogger attaches a structured logger. The default (nil) logger is
// disabled; logiface loggers are nil-safe, so no guard is required at call
// sites.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{
		applyPolicyFunc: func(opts *policyOptions) error {
			opts.logger = logger
			return nil
		},
		applyHospiceFunc: func(opts *hospiceOptions) error {
			opts.logger = logger
			return nil
		},
	}
}

// WithHospice sets the Hospice that disposed environments are admitted to.
// Defaults to DefaultHospice. Primarily useful for test harnesses that want
// an isolated hospice they can drive deterministically.
func WithHospice(h *Hospice) Option {
	return &optionImpl{
		applyPolicyFunc: func(opts *policyOptions) error {
			opts.hospice = h
			return nil
		},
	}
}

// WithInterceptor interposes the given interceptor between the runtime and
// the policy's own RuntimePolicy surface. The interceptor's Inner field is
// populated at registration time; any existing value is overwritten.
func WithInterceptor(i *PolicyInterceptor) Option {
	return &optionImpl{
		applyPolicyFunc: func(opts *policyOptions) error {
			opts.interceptor = i
			return nil
		},
	}
}

// resolvePolicyOptions applies Option instances to policyOptions.
func resolvePolicyOptions(opts []Option) (*policyOptions, error) {
	cfg := &policyOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyPolicy(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// resolveHospiceOptions applies Option instances to hospiceOptions.
func resolveHospiceOptions(opts []Option) (*hospiceOptions, error) {
	cfg := &hospiceOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyHospice(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

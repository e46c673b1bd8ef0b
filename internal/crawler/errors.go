package crawler

import (
	"errors"
	"fmt"
)

// ErrNoWork is returned by a claim when no channel could be taken.
var ErrNoWork = errors.New("no channel available")

var (
	// ErrAllChannelsClaimed means enabled channels exist but all are held by other workers.
	ErrAllChannelsClaimed = fmt.Errorf("%w: all eligible channels are claimed", ErrNoWork)
	// ErrNoEnabledChannels means no channel is enabled for crawling at all.
	ErrNoEnabledChannels = fmt.Errorf("%w: no crawl-enabled channels", ErrNoWork)
)

// ErrNoCredentials is fatal at startup.
var ErrNoCredentials = errors.New("no credentials configured")

// ErrUnknownCredential is returned when a channel routes to a credential with no client.
var ErrUnknownCredential = errors.New("unknown credential")

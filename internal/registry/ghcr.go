package registry

import (
	"context"
	"net/http"
	"sync"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/juju/errors"
)

// appToken exchanges GitHub App credentials for an installation token usable
// as a ghcr.io password. The transport is built lazily and reused; it caches
// and refreshes the token itself.
type appToken struct {
	appID          int64
	installationID int64
	keyFile        string

	mu  sync.Mutex
	itr *ghinstallation.Transport
}

func (a *appToken) transport() (*ghinstallation.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.itr != nil {
		return a.itr, nil
	}
	itr, err := ghinstallation.NewKeyFromFile(http.DefaultTransport, a.appID, a.installationID, a.keyFile)
	if err != nil {
		return nil, errors.Annotate(err, "github app installation transport")
	}
	a.itr = itr
	return itr, nil
}

func (a *appToken) authenticator(ctx context.Context) (authn.Authenticator, error) {
	itr, err := a.transport()
	if err != nil {
		return nil, errors.Trace(err)
	}
	token, err := itr.Token(ctx)
	if err != nil {
		return nil, errors.Annotate(err, "github app installation token")
	}
	return &authn.Basic{Username: "x-access-token", Password: token}, nil
}

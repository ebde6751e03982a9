// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package acme

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/gdamore/proxyvisor/certcache"
)

type account struct {
	email string
	reg   *registration.Resource
	key   crypto.PrivateKey
}

func (a *account) GetEmail() string {
	return a.email
}

func (a *account) GetRegistration() *registration.Resource {
	return a.reg
}

func (a *account) GetPrivateKey() crypto.PrivateKey {
	return a.key
}

// LegoIssuer obtains certificates from an ACME directory using HTTP-01.
// The account key is ECDSA P-256, and is kept in the cache when one is
// given so that restarts reuse the registration.
type LegoIssuer struct {
	Email    string
	Cache    *certcache.Cache
	Provider challenge.Provider

	mx        sync.Mutex
	dirURL    string
	client    *lego.Client
	clientDir string
}

// NewLegoIssuer returns an issuer answering challenges through provider.
func NewLegoIssuer(email string, cache *certcache.Cache, provider challenge.Provider) *LegoIssuer {
	return &LegoIssuer{Email: email, Cache: cache, Provider: provider}
}

// SetDirectory selects the ACME directory.  Empty selects Let's Encrypt.
func (i *LegoIssuer) SetDirectory(url string) {
	i.mx.Lock()
	i.dirURL = url
	i.mx.Unlock()
}

func (i *LegoIssuer) loadAccount(dir string) (*account, error) {
	acct := &account{email: i.Email}
	if i.Cache != nil {
		cached, err := i.Cache.LoadAccount(dir, i.Email)
		if err == nil {
			key, err := certcrypto.ParsePEMPrivateKey(cached.KeyPEM)
			if err != nil {
				return nil, fmt.Errorf("cached account key: %w", err)
			}
			acct.key = key
			if len(cached.Registration) != 0 {
				reg := &registration.Resource{}
				if json.Unmarshal(cached.Registration, reg) == nil {
					acct.reg = reg
				}
			}
			return acct, nil
		}
		if !errors.Is(err, certcache.ErrNotFound) {
			return nil, err
		}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	acct.key = key
	return acct, nil
}

func (i *LegoIssuer) saveAccount(dir string, acct *account) error {
	if i.Cache == nil {
		return nil
	}
	reg, err := json.Marshal(acct.reg)
	if err != nil {
		return err
	}
	return i.Cache.SaveAccount(&certcache.Account{
		Email:        acct.email,
		DirURL:       dir,
		KeyPEM:       certcrypto.PEMEncode(acct.key),
		Registration: reg,
	})
}

// setup returns a registered client for the current directory.  Call with
// the lock held.
func (i *LegoIssuer) setup() (*lego.Client, error) {
	dir := i.dirURL
	if dir == "" {
		dir = lego.LEDirectoryProduction
	}
	if i.client != nil && i.clientDir == dir {
		return i.client, nil
	}
	if i.Provider == nil {
		return nil, errors.New("no HTTP-01 challenge provider")
	}

	acct, err := i.loadAccount(dir)
	if err != nil {
		return nil, err
	}
	config := lego.NewConfig(acct)
	config.CADirURL = dir
	config.UserAgent = "proxyvisor"
	config.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(config)
	if err != nil {
		return nil, err
	}
	if err = client.Challenge.SetHTTP01Provider(i.Provider); err != nil {
		return nil, err
	}
	if acct.reg == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{
			TermsOfServiceAgreed: true,
		})
		if err != nil {
			return nil, fmt.Errorf("registering account: %w", err)
		}
		acct.reg = reg
		if err = i.saveAccount(dir, acct); err != nil {
			return nil, fmt.Errorf("saving account: %w", err)
		}
	}
	i.client = client
	i.clientDir = dir
	return client, nil
}

type obtained struct {
	res *certificate.Resource
	err error
}

// Obtain orders a certificate for host.  lego cannot be interrupted, so a
// cancelled ctx returns at once and the order is left to finish on its own.
func (i *LegoIssuer) Obtain(ctx context.Context, host string) ([]byte, []byte, error) {
	i.mx.Lock()
	client, err := i.setup()
	i.mx.Unlock()
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan obtained, 1)
	go func() {
		res, err := client.Certificate.Obtain(certificate.ObtainRequest{
			Domains: []string{host},
			Bundle:  true,
		})
		ch <- obtained{res: res, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case o := <-ch:
		if o.err != nil {
			return nil, nil, o.err
		}
		return o.res.Certificate, o.res.PrivateKey, nil
	}
}

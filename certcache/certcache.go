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

// Package certcache persists ACME certificates and account keys in a bolt
// database, so that a restarted daemon does not have to order again.
package certcache

import (
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/boltdb/bolt"
)

var ErrNotFound = errors.New("Not found in cache")

var (
	certBucket    = []byte("certificates")
	accountBucket = []byte("accounts")
)

// Certificate is a cached ACME certificate.
type Certificate struct {
	Host        string    `json:"host"`
	Certificate []byte    `json:"certificate"`
	Key         []byte    `json:"key"`
	NotAfter    time.Time `json:"not_after"`
	Updated     time.Time `json:"updated"`
}

// Account is a registered ACME account.  Accounts are specific to a
// directory.
type Account struct {
	Email        string          `json:"email"`
	DirURL       string          `json:"dir_url"`
	KeyPEM       []byte          `json:"key"`
	Registration json.RawMessage `json:"registration,omitempty"`
}

// Cache is a bolt backed store.  It is safe for concurrent use.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second * 5})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{certBucket, accountBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) write(bucket []byte, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (c *Cache) read(bucket []byte, key string, value interface{}) error {
	return c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, value)
	})
}

// SaveCertificate stores cert, replacing any previous entry for its host.
func (c *Cache) SaveCertificate(cert *Certificate) error {
	if cert.Host == "" {
		return errors.New("certificate has no host")
	}
	if cert.Updated.IsZero() {
		cert.Updated = time.Now()
	}
	return c.write(certBucket, cert.Host, cert)
}

// LoadCertificate returns the entry for host, or ErrNotFound.
func (c *Cache) LoadCertificate(host string) (*Certificate, error) {
	cert := &Certificate{}
	if err := c.read(certBucket, host, cert); err != nil {
		return nil, err
	}
	return cert, nil
}

// DeleteCertificate removes the entry for host, if any.
func (c *Cache) DeleteCertificate(host string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(certBucket).Delete([]byte(host))
	})
}

// Certificates returns every cached certificate, ordered by host.
// Entries that cannot be decoded are skipped.
func (c *Cache) Certificates() ([]*Certificate, error) {
	var rv []*Certificate
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(certBucket).ForEach(func(k, v []byte) error {
			cert := &Certificate{}
			if json.Unmarshal(v, cert) == nil {
				rv = append(rv, cert)
			}
			return nil
		})
	})
	sort.Slice(rv, func(i, j int) bool { return rv[i].Host < rv[j].Host })
	return rv, err
}

func accountKey(dirURL, email string) string {
	return dirURL + "\x00" + email
}

// SaveAccount stores an account under its directory and email.
func (c *Cache) SaveAccount(a *Account) error {
	return c.write(accountBucket, accountKey(a.DirURL, a.Email), a)
}

// LoadAccount returns the account for dirURL and email, or ErrNotFound.
func (c *Cache) LoadAccount(dirURL, email string) (*Account, error) {
	a := &Account{}
	if err := c.read(accountBucket, accountKey(dirURL, email), a); err != nil {
		return nil, err
	}
	return a, nil
}

/*
Package cli facilitates building command-line applications that talk to the ConnectedDrive
portal. It defines a [Config] type that can be used to register common command-line flags
(using the Golang flag package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing the account password
in an OS-dependent credential store. Passwords are never accepted on the command line.

# Examples

	import flag

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for the VIN, account, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for the account password if needed

	// Initializes acct and car if the relevant fields are populated (from a combination of
	// command-line flags and environment variables). The car may be nil even if error is
	// nil, namely when no VIN was provided.
	acct, car, err := config.Connect(context.Background())
	if err != nil {
		panic(err)
	}
	defer config.UpdateCachedSnapshots()

Alternatively, you can use a [Flag] mask to control what [Config] fields are populated.
Note that in the examples below, config.Flags must be set before calling [flag.Parse] or
[Config.ReadFromEnvironment]:

	config, err = NewConfig(FlagAccount)           // config.Connect() will not look for a VIN.
	config, err = NewConfig(FlagAccount | FlagVIN) // config.Connect() may return a vehicle handle.

The last option is what command-sending tools use, since remote services require a VIN.
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/bmwcd/connecteddrive/internal/log"
	"github.com/bmwcd/connecteddrive/pkg/account"
	"github.com/bmwcd/connecteddrive/pkg/cache"
	"github.com/bmwcd/connecteddrive/pkg/poller"
	"github.com/bmwcd/connecteddrive/pkg/vehicle"

	"github.com/99designs/keyring"
)

// Environment variable names used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvUsername     = "BMWCD_USERNAME"
	EnvPassword     = "BMWCD_PASSWORD"
	EnvHost         = "BMWCD_HOST"
	EnvVIN          = "BMWCD_VIN"
	EnvCacheFile    = "BMWCD_CACHE_FILE"
	EnvKeyringType  = "BMWCD_KEYRING_TYPE"
	EnvKeyringPass  = "BMWCD_KEYRING_PASSWORD"
	EnvKeyringPath  = "BMWCD_KEYRING_PATH"
	EnvKeyringDebug = "BMWCD_KEYRING_DEBUG"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagVIN     Flag = 1 // Enable VIN option.
	FlagAccount Flag = 2 // Enable account options. Required for anything that talks to the portal.
	FlagCache   Flag = 4 // Enable snapshot cache options.
	FlagAll     Flag = FlagVIN | FlagAccount | FlagCache
)

var (
	ErrNoCredentials = errors.New("account username not provided")
	ErrKeyNotFound   = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to the ConnectedDrive portal.
type Config struct {
	Flags         Flag   // Controls which set of environment variables/CLI flags to use.
	Username      string // ConnectedDrive account email address
	Host          string // Portal hostname; empty selects the package default
	VIN           string
	CacheFilename string
	Backend       keyring.Config
	BackendType   backendType
	Debug         bool // Enable keyring debug messages

	password        string  // account password; never registered as a flag
	keyringPassword *string // unlocks file-backed keyrings
	acct            *account.Account
	snapshots       *cache.SnapshotCache
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getKeyringPassword
	c.Backend.FilePasswordFunc = c.getKeyringPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	if c.Flags.isSet(FlagVIN) {
		flag.StringVar(&c.VIN, "vin", "", "Vehicle Identification Number. Defaults to $BMWCD_VIN.")
	}
	if c.Flags.isSet(FlagAccount) {
		flag.StringVar(&c.Username, "username", "", "ConnectedDrive account `email`. Defaults to $BMWCD_USERNAME.")
		flag.StringVar(&c.Host, "host", "", "ConnectedDrive portal `host`. Defaults to $BMWCD_HOST.")
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		flag.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $BMWCD_KEYRING_TYPE.")
		flag.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		flag.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
	if c.Flags.isSet(FlagCache) {
		flag.StringVar(&c.CacheFilename, "snapshot-cache", "", "Load snapshot cache from `file`. Defaults to $BMWCD_CACHE_FILE.")
	}
}

// LoadCredentials resolves the account password, prompting at the terminal if it cannot be
// found in the environment or the system keyring. Call this method before [Config.Connect]
// to prevent interactive prompts from counting against timeouts.
func (c *Config) LoadCredentials() error {
	if !c.Flags.isSet(FlagAccount) {
		return nil
	}
	if c.Username == "" {
		return ErrNoCredentials
	}
	if c.password != "" {
		return nil
	}
	password, err := c.LoadPasswordFromKeyring()
	if err == nil {
		c.password = password
		return nil
	}
	if !errors.Is(err, ErrKeyNotFound) {
		log.Debug("Keyring lookup failed: %s", err)
	}
	c.password, err = readPassword(fmt.Sprintf("ConnectedDrive password for %s", c.Username))
	return err
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagVIN) {
		if c.VIN == "" {
			c.VIN = os.Getenv(EnvVIN)
			log.Debug("Set VIN to '%s'", c.VIN)
		}
	}
	if c.Flags.isSet(FlagCache) {
		if c.CacheFilename == "" {
			c.CacheFilename = os.Getenv(EnvCacheFile)
			log.Debug("Set snapshot cache file to '%s'", c.CacheFilename)
		}
	}
	if c.Flags.isSet(FlagAccount) {
		if c.Username == "" {
			c.Username = os.Getenv(EnvUsername)
			log.Debug("Set username to '%s'", c.Username)
		}
		if c.Host == "" {
			c.Host = os.Getenv(EnvHost)
			log.Debug("Set portal host to '%s'", c.Host)
		}
		if c.password == "" {
			c.password = os.Getenv(EnvPassword)
			if len(c.password) > 0 {
				log.Debug("Set account password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			password := os.Getenv(EnvKeyringPass)
			c.keyringPassword = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// UpdateCachedSnapshots writes the snapshot cache back to c.CacheFilename.
//
// If c.CacheFilename is not set or no cache was loaded, then this method does nothing.
func (c *Config) UpdateCachedSnapshots() {
	if c.CacheFilename != "" && c.snapshots != nil {
		if err := c.snapshots.ExportToFile(c.CacheFilename); err != nil {
			log.Error("Error updating cache: %s", err)
		}
	}
}

// SnapshotCache returns the cache backing c, importing it from c.CacheFilename on first
// use. If no cache file is configured or the file does not exist yet, the returned cache
// starts out empty with entries expiring after the portal's minimum poll interval.
func (c *Config) SnapshotCache() (*cache.SnapshotCache, error) {
	if c.snapshots != nil {
		return c.snapshots, nil
	}
	if c.CacheFilename == "" {
		c.snapshots = cache.New(0, poller.DefaultInterval)
		return c.snapshots, nil
	}
	log.Debug("Loading snapshot cache from %s...", c.CacheFilename)
	snapshots, err := cache.ImportFromFile(c.CacheFilename)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load snapshot cache: %s", err)
		}
		// Create a new cache if one couldn't be loaded from the file
		snapshots = cache.New(0, poller.DefaultInterval)
	}
	c.snapshots = snapshots
	return c.snapshots, nil
}

// Account logs in to the configured ConnectedDrive account.
//
// The account is cached after the first successful login, and subsequent calls return the
// same account.
func (c *Config) Account(ctx context.Context) (*account.Account, error) {
	if c.acct != nil {
		return c.acct, nil
	}
	if err := c.LoadCredentials(); err != nil {
		return nil, err
	}
	acct, err := account.New(account.Config{
		Username: c.Username,
		Password: c.password,
		Host:     c.Host,
	})
	if err != nil {
		return nil, err
	}
	if err := acct.Login(ctx); err != nil {
		return nil, err
	}
	c.acct = acct
	return acct, nil
}

// Connect logs in to the configured account and, if c includes a VIN, also returns a
// handle for the corresponding vehicle.
func (c *Config) Connect(ctx context.Context) (acct *account.Account, car *vehicle.Vehicle, err error) {
	acct, err = c.Account(ctx)
	if err != nil {
		return nil, nil, err
	}
	if c.Flags.isSet(FlagVIN) && c.VIN != "" {
		car = vehicle.New(acct, c.VIN)
	}
	return acct, car, nil
}

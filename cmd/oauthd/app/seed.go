package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage"
)

// SeedFile is the YAML document provisioning clients and resource owners.
//
//	clients:
//	  - id: 5b0e6a3c-6f1e-4c8a-9a53-0c2f3d9e7b11
//	    random_id: dashboard
//	    secret: change-me
//	    name: Dashboard
//	    redirect_uris: [https://dashboard.example.com/callback]
//	    grant_types: [authorization_code, refresh_token]
//	    scopes: [read, write]
//	users:
//	  - username: alice
//	    password_hash: $2a$10$...
type SeedFile struct {
	Clients []SeedClient `yaml:"clients"`
	Users   []SeedUser   `yaml:"users"`
}

// SeedClient describes one client. ID, RandomID and Secret are generated
// when omitted; a fixed ID makes seeding a persistent store idempotent.
type SeedClient struct {
	ID           string   `yaml:"id"`
	RandomID     string   `yaml:"random_id"`
	Secret       string   `yaml:"secret"`
	Name         string   `yaml:"name"`
	RedirectURIs []string `yaml:"redirect_uris"`
	GrantTypes   []string `yaml:"grant_types"`
	Scopes       []string `yaml:"scopes"`
	Public       bool     `yaml:"public"`
}

// SeedUser is a resource owner. Exactly one of Password and PasswordHash
// must be set; the hash is a bcrypt hash.
type SeedUser struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
}

// loadSeedFile reads and decodes a seed file. Unknown keys are rejected.
func loadSeedFile(path string) (*SeedFile, error) {
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("failed to open seed file: %w", err)
	}
	defer f.Close()
	return decodeSeed(f)
}

func decodeSeed(r io.Reader) (*SeedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var seed SeedFile
	if err := dec.Decode(&seed); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &seed, nil
}

// seededClient reports the outcome of registering one seed client.
type seededClient struct {
	client  *storage.Client
	existed bool
}

// applyClients registers the seed clients. A client whose preset id is
// already registered is skipped.
func applyClients(ctx context.Context, srv *server.Server, clients []SeedClient, logger *slog.Logger) ([]seededClient, error) {
	out := make([]seededClient, 0, len(clients))
	for i, sc := range clients {
		client, err := srv.CreateClient(ctx, server.ClientSpec{
			ID:                sc.ID,
			RandomID:          sc.RandomID,
			Secret:            sc.Secret,
			Name:              sc.Name,
			RedirectURIs:      sc.RedirectURIs,
			AllowedGrantTypes: sc.GrantTypes,
			Scopes:            sc.Scopes,
			Public:            sc.Public,
		})
		if errors.Is(err, storage.ErrClientExists) {
			logger.Info("Seed client already registered", "id", sc.ID, "name", sc.Name)
			out = append(out, seededClient{existed: true})
			continue
		}
		if err != nil {
			return out, fmt.Errorf("seed client %d (%s): %w", i, sc.Name, err)
		}
		out = append(out, seededClient{client: client})
	}
	return out, nil
}

// identityVerifier builds a verifier holding the seed users. It returns
// nil when there are no users.
func identityVerifier(users []SeedUser) (*server.StaticIdentityVerifier, error) {
	if len(users) == 0 {
		return nil, nil
	}

	v := server.NewStaticIdentityVerifier()
	for _, u := range users {
		var err error
		switch {
		case u.Password != "" && u.PasswordHash != "":
			err = fmt.Errorf("password and password_hash are mutually exclusive")
		case u.PasswordHash != "":
			err = v.AddUserHash(u.Username, []byte(u.PasswordHash))
		default:
			err = v.AddUser(u.Username, u.Password)
		}
		if err != nil {
			return nil, fmt.Errorf("seed user %q: %w", u.Username, err)
		}
	}
	return v, nil
}

// printClients writes the credentials of newly registered clients to w.
// Generated secrets are only shown here.
func printClients(w io.Writer, seeded []seededClient) {
	for _, s := range seeded {
		if s.existed {
			continue
		}
		fmt.Fprintf(w, "client %q\n  client_id:     %s\n", s.client.Name, s.client.PublicID())
		if !s.client.IsPublic() {
			fmt.Fprintf(w, "  client_secret: %s\n", s.client.Secret)
		}
	}
}

func newSeedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed FILE",
		Short: "Register the clients of a seed file in a persistent store",
		Long: `seed registers the clients listed in a YAML seed file and prints their
credentials. Clients with a fixed id that already exists are skipped, so the
command can be re-run against Redis or PostgreSQL.`,
		Args: cobra.ExactArgs(1),
		RunE: runSeed,
	}
	cmd.Flags().StringSlice("scopes", nil, "Scopes clients may register (empty allows any)")
	addStorageFlags(cmd.Flags())
	return cmd
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	logger := newLogger(cmd.ErrOrStderr())

	seed, err := loadSeedFile(args[0])
	if err != nil {
		return err
	}
	if viper.GetString("storage") == backendMemory {
		logger.Warn("Seeding the memory backend has no lasting effect; use serve --seed-file instead")
	}

	st, err := openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	srv, err := server.New(st.clients, st.tokens, &server.Config{
		SupportedScopes: viper.GetStringSlice("scopes"),
	}, logger)
	if err != nil {
		return err
	}

	seeded, err := applyClients(ctx, srv, seed.Clients, logger)
	printClients(cmd.OutOrStdout(), seeded)
	return err
}

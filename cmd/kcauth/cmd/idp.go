package cmd

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/zitadel/oidc/v3/pkg/client"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/terraconstructs/kcauth/cmd/kcauth/cmd/cmdutil"
	"github.com/terraconstructs/kcauth/internal/auth"
)

var clientCredentialsFlag bool

var idpCmd = &cobra.Command{
	Use:   "idp",
	Short: "Identity provider diagnostics",
}

var idpCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the realm discovery document and signing keys",
	Long: `Fetches the realm's OpenID discovery document, checks that its issuer and
jwks_uri match the configuration, and lists the usable signing keys. With
--client-credentials a token is obtained for the configured client and run
through verification.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()
		issuer := cfg.Keycloak.IssuerURL()

		disco, err := client.Discover(ctx, issuer, cleanhttp.DefaultPooledClient())
		if err != nil {
			return fmt.Errorf("discover %s: %w", issuer, err)
		}

		var problems []string
		if disco.Issuer != issuer {
			problems = append(problems, fmt.Sprintf("issuer %q does not match expected %q", disco.Issuer, issuer))
		}
		if disco.JwksURI != cfg.Keycloak.JWKSURL() {
			problems = append(problems, fmt.Sprintf("jwks_uri %q does not match expected %q", disco.JwksURI, cfg.Keycloak.JWKSURL()))
		}

		fmt.Fprintf(out, "issuer:   %s\n", disco.Issuer)
		fmt.Fprintf(out, "jwks_uri: %s\n", disco.JwksURI)
		if len(disco.IDTokenSigningAlgValuesSupported) > 0 {
			fmt.Fprintf(out, "id token algorithms: %s\n", strings.Join(disco.IDTokenSigningAlgValuesSupported, ", "))
		}

		keys := cmdutil.NewKeyResolver(cfg, logger, nil)
		set, err := keys.Refresh(ctx)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"KID", "ALG", "TYPE", "ALLOWED"}}
		for _, k := range set.Keys() {
			rows = append(rows, []string{k.KeyID, k.Algorithm, keyType(k), fmt.Sprint(allowed(k.Algorithm))})
		}
		fmt.Fprintln(out)
		if err := cmdutil.RenderTable(out, rows); err != nil {
			return err
		}

		if clientCredentialsFlag {
			if err := checkClientCredentials(cmd, disco.TokenEndpoint, keys); err != nil {
				problems = append(problems, err.Error())
			}
		}

		if len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintf(out, "problem: %s\n", p)
			}
			return fmt.Errorf("%d problem(s) found", len(problems))
		}
		fmt.Fprintln(out, "\nok")
		return nil
	},
}

func checkClientCredentials(cmd *cobra.Command, tokenURL string, keys *auth.KeyResolver) error {
	ctx := cmd.Context()
	if err := cmdutil.ResolveClientSecret(ctx, cfg, cmdutil.NewSecretResolver(cfg, logger), logger); err != nil {
		return err
	}
	if cfg.Keycloak.ClientSecret == "" {
		return fmt.Errorf("client credentials: no client secret available")
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.Keycloak.ClientID,
		ClientSecret: cfg.Keycloak.ClientSecret,
		TokenURL:     tokenURL,
	}
	token, err := cc.Token(ctx)
	if err != nil {
		return fmt.Errorf("client credentials: %w", err)
	}

	verifier, err := cmdutil.NewVerifier(cfg, keys, logger)
	if err != nil {
		return err
	}
	claims, err := verifier.Verify(ctx, token.AccessToken)
	if err != nil {
		return fmt.Errorf("client credentials token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\nclient credentials token verified: sub=%s roles=%s\n",
		claims.Subject, strings.Join(claims.RealmRoles, ","))
	return nil
}

func keyType(k auth.SigningKey) string {
	switch pub := k.Key.(type) {
	case *rsa.PublicKey:
		return fmt.Sprintf("RSA-%d", pub.N.BitLen())
	case *ecdsa.PublicKey:
		return "EC-" + pub.Curve.Params().Name
	case ed25519.PublicKey:
		return "OKP-Ed25519"
	default:
		return fmt.Sprintf("%T", pub)
	}
}

func allowed(alg string) bool {
	if alg == "" {
		return true
	}
	for _, a := range cfg.Keycloak.AllowedAlgorithms {
		if a == alg {
			return true
		}
	}
	return false
}

func init() {
	idpCheckCmd.Flags().BoolVar(&clientCredentialsFlag, "client-credentials", false,
		"Obtain a client credentials token and verify it")

	rootCmd.AddCommand(idpCmd)
	idpCmd.AddCommand(idpCheckCmd)
}

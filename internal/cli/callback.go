package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iambrandonn/helios/internal/callback"
)

func newCallbackCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "callback",
		Short: "Inspect messaging callbacks",
	}
	cmd.AddCommand(newCallbackVerifyCommand(opts))
	return cmd
}

func newCallbackVerifyCommand(opts *globalOptions) *cobra.Command {
	var (
		bodyPath string
		headers  callback.Headers
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check a callback signature and decode its answer",
		Long: `Verify checks the signature headers of a captured callback against the
configured encrypt key and prints the decoded answer. Nothing is resolved.
The body is read from --body, or from stdin when --body is "-" or empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnvironment(cmd, opts, false)
			if err != nil {
				return err
			}

			var body []byte
			if bodyPath == "" || bodyPath == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(bodyPath)
			}
			if err != nil {
				return fmt.Errorf("failed to read callback body: %w", err)
			}

			verifier := callback.NewVerifier(env.cfg.Callback.EncryptKey, env.cfg.MaxSkew())
			if err := verifier.Verify(headers, body); err != nil {
				return err
			}
			input, err := callback.Decode(body)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), input)
		},
	}

	cmd.Flags().StringVar(&bodyPath, "body", "", "File holding the raw callback body")
	cmd.Flags().StringVar(&headers.Timestamp, "timestamp", "", "Value of the request timestamp header")
	cmd.Flags().StringVar(&headers.Nonce, "nonce", "", "Value of the request nonce header")
	cmd.Flags().StringVar(&headers.Signature, "signature", "", "Value of the request signature header")

	return cmd
}

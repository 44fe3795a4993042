package commands

import (
	"database/sql"
	"encoding/json"
	"io"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/calsync/am"
	"github.com/teranos/calsync/display"
	"github.com/teranos/calsync/errors"
	"github.com/teranos/calsync/internal/util"
	"github.com/teranos/calsync/logger"
	"github.com/teranos/calsync/secrets"
)

// AccountsCmd manages linked accounts
var AccountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage linked accounts and credential bundles",
	Long: `accounts - Store provider tokens and manage the sync tool's credential bundles.

Tokens are sealed with secrets.at_rest_key before they are stored. The sync
tool receives them re-encrypted with secrets.bundle_passphrase, generated once
per account and cached until the tokens change.

A tokens file is a JSON array:
  [{"resource":"work@example.com","access_token":"...","refresh_token":"...","token_type":"Bearer"}]

Examples:
  calsync accounts add --owner alice --provider google --tokens-file tokens.json
  calsync accounts ls --owner alice
  calsync accounts set-tokens <account-id> --tokens-file tokens.json
  calsync accounts regenerate-bundle <account-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var accountsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Link an account",
	RunE:  runAccountsAdd,
}

var accountsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List accounts",
	RunE:  runAccountsLs,
}

var accountsSetTokensCmd = &cobra.Command{
	Use:   "set-tokens <account-id>",
	Short: "Replace an account's tokens; the bundle is regenerated on next use",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsSetTokens,
}

var accountsRegenerateCmd = &cobra.Command{
	Use:   "regenerate-bundle <account-id>",
	Short: "Rebuild an account's credential bundle now",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRegenerate,
}

var accountsRmCmd = &cobra.Command{
	Use:   "rm <account-id>",
	Short: "Delete an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRm,
}

func init() {
	accountsAddCmd.Flags().String("owner", "", "Owning principal (required)")
	accountsAddCmd.Flags().String("provider", "google", "Calendar provider")
	accountsAddCmd.Flags().String("tokens-file", "", `Tokens JSON file, "-" for stdin (required)`)
	accountsAddCmd.MarkFlagRequired("owner")
	accountsAddCmd.MarkFlagRequired("tokens-file")

	accountsLsCmd.Flags().String("owner", "", "Filter by owner")

	accountsSetTokensCmd.Flags().String("tokens-file", "", `Tokens JSON file, "-" for stdin (required)`)
	accountsSetTokensCmd.MarkFlagRequired("tokens-file")

	AccountsCmd.AddCommand(accountsAddCmd)
	AccountsCmd.AddCommand(accountsLsCmd)
	AccountsCmd.AddCommand(accountsSetTokensCmd)
	AccountsCmd.AddCommand(accountsRegenerateCmd)
	AccountsCmd.AddCommand(accountsRmCmd)
}

// openAccounts opens the database and an account store sealed with the configured key.
func openAccounts() (*am.Config, *sql.DB, *secrets.AccountStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	cipher, err := secrets.NewCipherFromBase64(cfg.Secrets.AtRestKey)
	if err != nil {
		return nil, nil, nil, err
	}
	database, err := openDatabase(cfg.GetDatabasePath())
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, database, secrets.NewAccountStore(database, cipher), nil
}

func readTokens(path string) ([]secrets.TokenRecord, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open tokens file %s", path)
		}
		defer f.Close()
		r = f
	}

	var tokens []secrets.TokenRecord
	if err := json.NewDecoder(r).Decode(&tokens); err != nil {
		return nil, errors.Wrap(err, "failed to parse tokens JSON")
	}
	return tokens, nil
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("tokens-file")
	tokens, err := readTokens(path)
	if err != nil {
		return err
	}

	_, database, accounts, err := openAccounts()
	if err != nil {
		return err
	}
	defer database.Close()

	owner, _ := cmd.Flags().GetString("owner")
	provider, _ := cmd.Flags().GetString("provider")
	account, err := accounts.Create(cmd.Context(), owner, provider, tokens)
	if err != nil {
		return err
	}

	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(account)
	}
	pterm.Success.Printfln("Linked account %s (%d token(s))", account.ID, len(tokens))
	return nil
}

func runAccountsLs(cmd *cobra.Command, args []string) error {
	_, database, accounts, err := openAccounts()
	if err != nil {
		return err
	}
	defer database.Close()

	owner, _ := cmd.Flags().GetString("owner")
	list, err := accounts.List(cmd.Context(), owner)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(list)
	}
	if len(list) == 0 {
		pterm.Info.Println("No accounts found")
		return nil
	}

	rows := make([][]string, 0, len(list))
	for _, a := range list {
		rows = append(rows, []string{util.ShortID(a.ID), a.Owner, a.Provider, display.Time(a.BundleGeneratedAt), display.Time(&a.CreatedAt)})
	}
	return display.Table([]string{"ACCOUNT", "OWNER", "PROVIDER", "BUNDLE", "CREATED"}, rows)
}

func runAccountsSetTokens(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("tokens-file")
	tokens, err := readTokens(path)
	if err != nil {
		return err
	}

	_, database, accounts, err := openAccounts()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := accounts.SetTokens(cmd.Context(), args[0], tokens); err != nil {
		return err
	}
	pterm.Success.Printfln("Updated tokens of account %s", args[0])
	return nil
}

func runAccountsRegenerate(cmd *cobra.Command, args []string) error {
	cfg, database, accounts, err := openAccounts()
	if err != nil {
		return err
	}
	defer database.Close()

	encryptor, err := secrets.NewEncryptor(cfg.Secrets.EncryptorCommand, logger.Logger)
	if err != nil {
		return err
	}
	bundler := secrets.NewBundler(accounts, encryptor, cfg.Secrets.BundlePassphrase, logger.Logger)
	if _, err := bundler.Regenerate(cmd.Context(), args[0]); err != nil {
		if hints := errors.FlattenHints(err); hints != "" {
			pterm.Info.Println(hints)
		}
		return err
	}
	pterm.Success.Printfln("Regenerated credential bundle for account %s", args[0])
	return nil
}

func runAccountsRm(cmd *cobra.Command, args []string) error {
	_, database, accounts, err := openAccounts()
	if err != nil {
		return err
	}
	defer database.Close()

	if err := accounts.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	pterm.Success.Printfln("Deleted account %s", args[0])
	return nil
}

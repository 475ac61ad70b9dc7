package cli

import (
	"fmt"
	"os"
	"syscall"

	"github.com/querypilot/querypilot/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	addName        string
	addDescription string
	addDialect     string
	addHost        string
	addPort        int
	addUser        string
	addDBName      string
	addRAG         bool
)

var appsCmd = &cobra.Command{
	Use:   "apps",
	Short: "Manage applications (database + catalog configurations)",
	Long: `Manage applications. An application binds a target database to its
table catalog, few-shot examples, and an optional fine-tuned model.

Subcommands:
  list  List configured applications
  add   Add a new application

Examples:
  querypilot apps list
  querypilot apps add --name shop --dialect postgres --host db.internal --port 5432 --user shop --db shopdb`,
}

var appsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured applications",
	RunE:  runAppsList,
}

var appsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new application",
	RunE:  runAppsAdd,
}

func init() {
	appsAddCmd.Flags().StringVar(&addName, "name", "", "application name (required)")
	appsAddCmd.Flags().StringVar(&addDescription, "description", "", "what this application's data covers")
	appsAddCmd.Flags().StringVar(&addDialect, "dialect", "postgres", "target database dialect")
	appsAddCmd.Flags().StringVar(&addHost, "host", "localhost", "target database host")
	appsAddCmd.Flags().IntVar(&addPort, "port", 5432, "target database port")
	appsAddCmd.Flags().StringVar(&addUser, "user", "", "target database user (required)")
	appsAddCmd.Flags().StringVar(&addDBName, "db", "", "target database name (required)")
	appsAddCmd.Flags().BoolVar(&addRAG, "rag", true, "narrow the schema with retrieval before SQL generation")
	_ = appsAddCmd.MarkFlagRequired("name")
	_ = appsAddCmd.MarkFlagRequired("user")
	_ = appsAddCmd.MarkFlagRequired("db")

	appsCmd.AddCommand(appsListCmd)
	appsCmd.AddCommand(appsAddCmd)
}

func runAppsList(cmd *cobra.Command, args []string) error {
	apps, err := storeClient.ListApplications(cmd.Context())
	if err != nil {
		return fmt.Errorf("list applications: %w", err)
	}

	if len(apps) == 0 {
		fmt.Println("No applications configured. Use 'querypilot apps add' or 'querypilot seed'.")
		return nil
	}

	for _, app := range apps {
		fmt.Printf("%s  %s/%s@%s:%d  rag=%v\n",
			app.Name, app.Database.Dialect, app.Database.Name,
			app.Database.Host, app.Database.Port, app.Agent.RAGEnabled)
		if verbose && app.Description != "" {
			fmt.Printf("  %s\n", app.Description)
		}
	}
	return nil
}

func runAppsAdd(cmd *cobra.Command, args []string) error {
	password, err := promptPassword(fmt.Sprintf("Password for %s@%s: ", addUser, addHost))
	if err != nil {
		exitWithError("read password: %v", err)
	}

	app, err := storeClient.CreateApplication(cmd.Context(), models.Application{
		Name:        addName,
		Description: addDescription,
		Database: models.DatabaseConfig{
			Dialect:  addDialect,
			Host:     addHost,
			Port:     addPort,
			User:     addUser,
			Password: password,
			Name:     addDBName,
		},
		Agent: models.AgentConfig{RAGEnabled: addRAG},
	})
	if err != nil {
		return fmt.Errorf("create application: %w", err)
	}

	fmt.Printf("Created application: %s\n", app.Name)
	fmt.Println("Next: load its table catalog with 'querypilot seed'.")
	return nil
}

// promptPassword reads a password from the terminal without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

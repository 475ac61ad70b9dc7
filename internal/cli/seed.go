package cli

import (
	"fmt"
	"os"

	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/querypilot/querypilot/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape consumed by 'querypilot seed'. It carries a
// complete application definition: connection, table catalog, few-shot
// examples, and an optional fine-tuned model.
type seedFile struct {
	Application struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Database    struct {
			Dialect  string `yaml:"dialect"`
			Host     string `yaml:"host"`
			Port     int    `yaml:"port"`
			User     string `yaml:"user"`
			Password string `yaml:"password"`
			Name     string `yaml:"name"`
		} `yaml:"database"`
		RAGEnabled *bool `yaml:"rag_enabled"`
	} `yaml:"application"`

	Tables []struct {
		Name    string `yaml:"name"`
		Comment string `yaml:"comment"`
		Columns []struct {
			Name     string `yaml:"name"`
			Type     string `yaml:"type"`
			Key      string `yaml:"key"`
			Default  string `yaml:"default"`
			Nullable bool   `yaml:"nullable"`
			Comment  string `yaml:"comment"`
		} `yaml:"columns"`
	} `yaml:"tables"`

	Examples []struct {
		Question string `yaml:"question"`
		SQL      string `yaml:"sql"`
	} `yaml:"examples"`

	FineTunedModel string `yaml:"finetuned_model"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Import an application definition from a YAML file",
	Long: `Import an application definition: connection settings, the table
catalog the pipeline grounds SQL on, few-shot examples, and an optional
fine-tuned model name.

Seeding an existing application replaces its table catalog and appends
the listed examples.

Example file:

  application:
    name: shop
    description: Sales analytics for the web shop
    database:
      dialect: postgres
      host: db.internal
      port: 5432
      user: shop
      password: secret
      name: shopdb
  tables:
    - name: orders
      comment: Customer orders
      columns:
        - {name: id, type: bigint, key: PRI}
        - {name: total, type: numeric, comment: order total}
  examples:
    - question: How many orders were placed today?
      sql: SELECT count(*) FROM orders WHERE created_at::date = current_date`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}
	if seed.Application.Name == "" {
		return fmt.Errorf("seed file missing application.name")
	}

	ragEnabled := true
	if seed.Application.RAGEnabled != nil {
		ragEnabled = *seed.Application.RAGEnabled
	}

	app := models.Application{
		Name:        seed.Application.Name,
		Description: seed.Application.Description,
		Database: models.DatabaseConfig{
			Dialect:  seed.Application.Database.Dialect,
			Host:     seed.Application.Database.Host,
			Port:     seed.Application.Database.Port,
			User:     seed.Application.Database.User,
			Password: seed.Application.Database.Password,
			Name:     seed.Application.Database.Name,
		},
		Agent: models.AgentConfig{RAGEnabled: ragEnabled},
	}

	if _, err := storeClient.CreateApplication(ctx, app); err != nil {
		if !store.IsAlreadyExists(err) {
			return fmt.Errorf("create application: %w", err)
		}
		fmt.Printf("Application %q already exists, updating catalog\n", app.Name)
	} else {
		fmt.Printf("Created application: %s\n", app.Name)
	}

	desc := schema.Descriptor{}
	for _, t := range seed.Tables {
		table := schema.Table{Name: t.Name, Comment: t.Comment}
		for _, c := range t.Columns {
			table.Columns = append(table.Columns, schema.Column{
				Name:     c.Name,
				Type:     c.Type,
				Key:      c.Key,
				Default:  c.Default,
				Nullable: c.Nullable,
				Comment:  c.Comment,
			})
		}
		desc.Tables = append(desc.Tables, table)
	}
	if len(desc.Tables) > 0 {
		if err := storeClient.PutCatalog(ctx, app.Name, desc); err != nil {
			return fmt.Errorf("store catalog: %w", err)
		}
		fmt.Printf("Stored catalog: %d tables\n", len(desc.Tables))
	}

	for _, ex := range seed.Examples {
		if _, err := storeClient.AddExample(ctx, app.Name, ex.Question, ex.SQL); err != nil {
			return fmt.Errorf("store example %q: %w", ex.Question, err)
		}
	}
	if len(seed.Examples) > 0 {
		fmt.Printf("Stored %d few-shot examples\n", len(seed.Examples))
	}

	if seed.FineTunedModel != "" {
		if _, err := storeClient.RegisterModel(ctx, app.Name, seed.FineTunedModel, true); err != nil {
			return fmt.Errorf("register fine-tuned model: %w", err)
		}
		fmt.Printf("Registered fine-tuned model: %s\n", seed.FineTunedModel)
	}

	return nil
}

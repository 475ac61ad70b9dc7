package store

// SchemaSQL contains the catalog store schema initialization SQL.
const SchemaSQL = `
    -- ==========================================================================
    -- APPLICATION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS application SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS name ON application TYPE string;
    DEFINE FIELD IF NOT EXISTS description ON application TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS database ON application TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS agent ON application TYPE object FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS created ON application TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS application_name ON application FIELDS name UNIQUE;

    -- ==========================================================================
    -- CATALOG TABLE DESCRIPTORS
    -- ==========================================================================
    -- One record per target-database table; position preserves catalog order.
    DEFINE TABLE IF NOT EXISTS catalog_table SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS application ON catalog_table TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON catalog_table TYPE string;
    DEFINE FIELD IF NOT EXISTS comment ON catalog_table TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS columns ON catalog_table TYPE array<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS position ON catalog_table TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS enabled ON catalog_table TYPE bool DEFAULT true;

    DEFINE INDEX IF NOT EXISTS catalog_table_app_name ON catalog_table FIELDS application, name UNIQUE;

    -- ==========================================================================
    -- FEW-SHOT EXAMPLES
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS fewshot_example SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS application ON fewshot_example TYPE string;
    DEFINE FIELD IF NOT EXISTS question ON fewshot_example TYPE string;
    DEFINE FIELD IF NOT EXISTS sql ON fewshot_example TYPE string;
    DEFINE FIELD IF NOT EXISTS enabled ON fewshot_example TYPE bool DEFAULT true;
    DEFINE FIELD IF NOT EXISTS created ON fewshot_example TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS fewshot_example_app ON fewshot_example FIELDS application;

    -- ==========================================================================
    -- FINE-TUNED MODEL REGISTRY
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS finetuned_model SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS application ON finetuned_model TYPE string;
    DEFINE FIELD IF NOT EXISTS model_name ON finetuned_model TYPE string;
    DEFINE FIELD IF NOT EXISTS enabled ON finetuned_model TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created ON finetuned_model TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS finetuned_model_app ON finetuned_model FIELDS application;

    -- ==========================================================================
    -- MESSAGE TABLE (chat turns)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS application ON message TYPE string;
    DEFINE FIELD IF NOT EXISTS task_id ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS question ON message TYPE string;
    DEFINE FIELD IF NOT EXISTS optimized_question ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS answer ON message TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS sql_list ON message TYPE option<array<string>>;
    DEFINE FIELD IF NOT EXISTS valid_sql ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS query_result ON message TYPE option<string>;
    DEFINE FIELD IF NOT EXISTS step_times ON message TYPE option<object> FLEXIBLE;
    DEFINE FIELD IF NOT EXISTS is_cancelled ON message TYPE bool DEFAULT false;
    DEFINE FIELD IF NOT EXISTS created ON message TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS completed ON message TYPE option<datetime>;

    DEFINE INDEX IF NOT EXISTS message_app ON message FIELDS application;
    DEFINE INDEX IF NOT EXISTS message_created ON message FIELDS created;
`

package pipeline

import (
	"fmt"
	"strings"
)

// Prompt bodies are opaque configuration: agents only substitute their
// parameters and rely on the declared output contract (JSON object, JSON
// array, or bare SQL).

const compliancePrompt = `## Your Task
You are a user query analyzer and optimizer for the <%s> system. The system's purpose is: <%s>. Supported database content: ` + "```%s```" + `.
Evaluate the user's current question and produce three outputs:
1. **Compliance score** in [0,1]: 0 for questions unrelated to the system, requesting data creation/update/deletion, targeting unsupported tables, touching sensitive topics, or mere greetings; 1 for fully usable query questions. Score leniently.
2. **Query reconstruction**: rewrite the question into a clear, self-contained form (considering the user's historical questions when the current one is incomplete) that is conducive to SQL generation. The rewritten question MUST keep the language of the current question.
3. **Language detection**: name the language of the current question, such as Chinese, English, Japanese.

## Output Format
Return strictly one JSON object, no extra commentary:
{"compliant":<score>,"new_question":"<optimized question>","language":"<language>"}
If the question requests forbidden operations or touches sensitive topics, output {"compliant":0}.`

const schemaRAGPrompt = `## Your Role
You are a database architecture expert. Based on the user's question and the database schema DDL below, identify the table names required to answer the question. If the question contains a failing SQL statement and its error, re-identify the correct tables from the error analysis.

## Database Schema
` + "```%s```" + `

## Output Requirements
Output only a JSON array of table names, for example: ["table1","table2"]. No explanations, no markdown markers.`

const sqlSynthesisPrompt = `#### Your Role
You are a professional %s database expert. Based on the user's question and the database schema below, generate one SQL query that answers it.

#### Database Schema
` + "```%s```" + `

#### Rules
1. The generated SQL must be syntactically correct, directly executable, and precisely answer the question.
2. Build queries strictly from the provided schema; never assume undeclared tables or columns.
3. Error correction: when the question includes failing SQL statements and their error reasons, regenerate a corrected query without outputting the analysis.
4. Generate read queries only; never produce statements that create, update, or delete data.
5. Output only the SQL statement, optionally inside a single ` + "```sql```" + ` block, with no commentary.`

const answerPrompt = `## Your Role
You are a data analyst. Summarize the SQL query results for the user's question in clear natural language, using the language requested in the question.

## Rules
- Base the summary only on the provided query results; never invent values.
- Emphasize key figures with **bold**, formatting large numbers with thousands separators.
- When the results form a series suited to a chart (trends, distributions, monthly counts), append the literal marker <chart></chart> at the end.
- When the results are a detailed listing suited to a table rendering, include a markdown table and append the literal marker <data-table></data-table> at the end.
- For a single value or short factual answer, plain text with no marker.`

const chartsPrompt = `### Role Description
You are an ECharts.js advanced configuration expert. Generate a precise chart configuration for visualizing the provided query data in the context of the user's question.

### Task Execution Steps
1. Read the question to extract the visualization objective (comparison, ranking, trend, distribution).
2. Analyze the data structure: field meanings, numerical ranges, categorical data, time series.
3. Choose the most suitable chart type: bar, line, pie, scatter, or a composite chart when needed.
4. Produce the configuration: title summarizing the question's theme, legend, axes, series, tooltip, grid layout.

### Configuration Standards
- Compatible with ECharts.js 5.0 and above.
- Output must be one JSON object only: no comments, no language tags (like ` + "```json" + `), no additional explanations.
- Title horizontally centered, font color #424242. Legend, when present, centered below the title. Axis lines, labels, and grid lines #9E9E9E with dashed grid lines.
- Series colors chosen from: ["#FF8383","#A19AD3","#26A69A","#66BB6A","#FFA726","#ACBCFF","#FF9E80","#B388FF","#82B1FF","#80CBC4","#FFB74D"].
- Bar width must not exceed 20. Pie charts use an inner radius in the range ["40%","70%"] for a donut effect.
- Chart text (title, legend, labels, tooltips) follows the requested language.
- Never invent values; map only the provided fields and data.`

// renderFailures turns the structured (statement, error) pairs of failed
// execution attempts into the single analysis prompt fed back into SQL
// synthesis. The synthesizer treats it as opaque context.
func renderFailures(question string, failures []ExecFailure) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User question:%s\n", question)
	for i, f := range failures {
		fmt.Fprintf(&b, "- Error SQL %d: %s\n", i+1, f.Statement)
		fmt.Fprintf(&b, "- The SQL that encountered an error: %s\n", f.Error)
	}
	b.WriteString("Please analyze the above SQL and the reasons for the execution error, and regenerate a new correct SQL.")
	return b.String()
}

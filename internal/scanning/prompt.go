package scanning

// receiptScanPrompt is the shared instruction sent to every model provider
const receiptScanPrompt = `Analyze this receipt image and extract the following information:

1. **merchant**: the store or business name, usually the largest text at the top.
2. **amount**: the final total paid (grand total / amount due), digits and decimal point only, e.g. "42.75".
3. **currency**: the ISO 4217 code of the total (e.g. USD, EUR, LKR) if it can be determined.
4. **date**: the purchase date in YYYY-MM-DD format.
5. **category**: a likely spending category such as Food, Transport, Shopping, Groceries. Mention "Cash" in the category when the receipt shows it was paid in cash.

Return ONLY a JSON object with the keys merchant, amount, currency, date and category.
Do not include any text before or after the JSON and do not use markdown code blocks.`

// requiredFields are the keys every answer must carry
var requiredFields = []string{"merchant", "amount", "date"}

// receiptJSONSchema is the expected answer shape as a JSON schema document
var receiptJSONSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"merchant": map[string]any{"type": "string"},
		"amount":   map[string]any{"type": "string"},
		"currency": map[string]any{"type": "string"},
		"date":     map[string]any{"type": "string"},
		"category": map[string]any{"type": "string"},
	},
	"required": requiredFields,
}

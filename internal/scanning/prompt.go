package scanning

// receiptScanPrompt is the shared prompt used by all contextual providers
const receiptScanPrompt = `You are analyzing a photo of a Spanish supermarket receipt. Read every line of the receipt and extract:

1. **Store name**: the supermarket or business name printed in the header (e.g. "Mercadona", "Carrefour", "Lidl", "Dia").

2. **Purchase date**: the date of the purchase, converted to ISO 8601 (YYYY-MM-DD). Receipts usually print dates as DD/MM/YYYY or DD-MM-YY.

3. **Items**: every purchased product line. For each one give:
   - product_name: the product as printed, without the price
   - category: exactly one of bebidas, carne, verduras, lácteos, panadería, limpieza, ocio, otros
   - quantity: number of units or weight (use 1 when not printed)
   - unit_price: price per unit, or null when not printed
   - total_price: the amount charged for the line

4. **Total amount**: the final amount paid, usually labelled TOTAL, IMPORTE or SUMA near the bottom.

Return ONLY valid JSON in this exact format:
{
  "store_name": "Mercadona",
  "purchase_date": "YYYY-MM-DD",
  "items": [
    {"product_name": "Leche Entera", "category": "lácteos", "quantity": 2, "unit_price": 0.95, "total_price": 1.90}
  ],
  "total_amount": 0.00
}

Important:
- Amounts are numbers in euros with a dot as decimal separator (e.g. 12.50, not "12,50 €")
- Do not list discounts, taxes (IVA), payment lines or change given as items
- If you cannot find a field, use null for that field
- Do not include any text before or after the JSON
- Do not use markdown code blocks`

// receiptSystemPrompt frames chat-style providers
const receiptSystemPrompt = "You are an expert at reading supermarket receipts and extracting structured purchase data. You must carefully read all text in images and answer only with JSON."

package memstore

import "github.com/linnemanlabs/deskhand/internal/triage"

// DemoUsers is a small directory for running without a database.
func DemoUsers() []triage.User {
	return []triage.User{
		{ID: "admin", Name: "Admin", Email: "admin@example.com", Role: triage.RoleAdmin, Active: true},
		{ID: "agent-1", Name: "Support Agent One", Email: "agent1@example.com", Role: triage.RoleAgent, Active: true},
		{ID: "agent-2", Name: "Support Agent Two", Email: "agent2@example.com", Role: triage.RoleAgent, Active: true},
	}
}

// DemoArticles is a small knowledge base for running without a database.
func DemoArticles() []triage.Article {
	return []triage.Article{
		{
			ID:        "kb-refunds",
			Title:     "How refunds work",
			Body:      "Refunds are returned to the original payment method within 5 business days of approval. You can request a refund from the billing page.",
			Tags:      []string{"billing", "refund"},
			Published: true,
		},
		{
			ID:        "kb-invoices",
			Title:     "Finding your invoices",
			Body:      "Every invoice and receipt is available under Billing > History. Invoices can be downloaded as PDF.",
			Tags:      []string{"billing", "invoice"},
			Published: true,
		},
		{
			ID:        "kb-password",
			Title:     "Resetting your password",
			Body:      "If you cannot log in, use the forgot password link on the login page. Reset links expire after one hour.",
			Tags:      []string{"tech", "login"},
			Published: true,
		},
		{
			ID:        "kb-errors",
			Title:     "Troubleshooting app errors",
			Body:      "Most errors and crashes are fixed by updating to the latest version and clearing the app cache.",
			Tags:      []string{"tech"},
			Published: true,
		},
		{
			ID:        "kb-tracking",
			Title:     "Tracking your package",
			Body:      "A tracking number is emailed when your order ships. Delivery usually takes 3 to 7 days depending on the courier.",
			Tags:      []string{"shipping", "tracking"},
			Published: true,
		},
		{
			ID:        "kb-late-delivery",
			Title:     "My delivery is late",
			Body:      "If your package has not arrived 10 days after shipping, contact us and we will open an investigation with the courier.",
			Tags:      []string{"shipping"},
			Published: true,
		},
	}
}

package models

import "strings"

// EntityDefinition describes a syncable business entity.
type EntityDefinition struct {
	Type string
	// Noun is the singular used in event names ("customer.created").
	Noun string
	// Legacy table and primary key column in the branch Firebird database.
	Table    string
	PKColumn string
}

// EntityRegistry is the whitelist of entity types the sync engine accepts.
var EntityRegistry = map[string]EntityDefinition{
	"customers":  {Type: "customers", Noun: "customer", Table: "CLIENTES", PKColumn: "ID_CLIENTE"},
	"products":   {Type: "products", Noun: "product", Table: "PRODUTOS", PKColumn: "ID_PRODUTO"},
	"orders":     {Type: "orders", Noun: "order", Table: "PEDIDOS", PKColumn: "ID_PEDIDO"},
	"inventory":  {Type: "inventory", Noun: "inventory", Table: "ESTOQUE", PKColumn: "ID_PRODUTO"},
	"checks":     {Type: "checks", Noun: "check", Table: "CHEQUES", PKColumn: "ID_CHEQUE"},
	"deliveries": {Type: "deliveries", Noun: "delivery", Table: "ENTREGAS", PKColumn: "ID_ENTREGA"},
	"payments":   {Type: "payments", Noun: "payment", Table: "PAGAMENTOS", PKColumn: "ID_PAGAMENTO"},
}

// LookupEntity resolves an entity type case-insensitively.
func LookupEntity(entityType string) (EntityDefinition, bool) {
	def, ok := EntityRegistry[strings.ToLower(strings.TrimSpace(entityType))]
	return def, ok
}

// LookupEntityByTable resolves a legacy Firebird table name.
func LookupEntityByTable(table string) (EntityDefinition, bool) {
	table = strings.ToUpper(strings.TrimSpace(table))
	for _, def := range EntityRegistry {
		if def.Table == table {
			return def, true
		}
	}
	return EntityDefinition{}, false
}

// EventType builds the webhook event name for an entity operation.
func EventType(entityType string, op Operation) string {
	noun := entityType
	if def, ok := LookupEntity(entityType); ok {
		noun = def.Noun
	}
	return noun + "." + op.PastTense()
}

// RestrictEntities narrows the registry to the configured types. Unknown names
// are ignored and returned so the caller can warn about them.
func RestrictEntities(types []string) (unknown []string) {
	if len(types) == 0 {
		return nil
	}
	keep := make(map[string]EntityDefinition, len(types))
	for _, t := range types {
		def, ok := LookupEntity(t)
		if !ok {
			unknown = append(unknown, t)
			continue
		}
		keep[def.Type] = def
	}
	if len(keep) > 0 {
		EntityRegistry = keep
	}
	return unknown
}

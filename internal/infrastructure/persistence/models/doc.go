// Package models contains GORM persistence models for the usage limiter tables.
// Models are kept apart from domain types so the domain layer stays free of ORM
// concerns; each model converts with ToDomain and a ...FromDomain constructor.
//
// All tables carry the ul_ prefix. Period boundaries are DATE columns holding
// midnight UTC; free-form metadata is a JSON document (JSONMap).
package models

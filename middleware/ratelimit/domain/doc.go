// Package domain define contratos e tipos de domínio do gate de abuso:
// registros por chave, política imutável, decisões, códigos de erro,
// registro de IPs suspeitos e o sink de auditoria.
//
// Este pacote não depende de net/http nem de implementações concretas.
// A intenção é permitir testes de unidade puros e desacoplar regras de negócio
// de detalhes de infraestrutura.
package domain

// Package ratelimit fornece o gate HTTP (net/http) contra abuso: contador de
// janela fixa por chave, bloqueio progressivo, escalada para CAPTCHA e
// detecção de atividade suspeita.
//
// Visão geral (camadas):
//
//   - domain: contratos e tipos do domínio (sem dependência de net/http)
//   - application: a decisão (janela, penalidades) e o despacho de auditoria
//   - infra: store em shards, registro de suspeitos, sinks, verificador de CAPTCHA
//   - ratelimit (este pacote): Gate, extração de chave, presets, API admin
//
// Fluxo de uma requisição:
//
//  1. Extrai a chave (KeyFn ou cadeia de IPSource); falha vira RATE_LIMIT_SYSTEM_ERROR
//  2. Chave bloqueada: RATE_LIMIT_IP_BLOCKED
//  3. CAPTCHA exigido sem token válido: CAPTCHA_REQUIRED
//  4. Conta a tentativa na janela; acima do limite: RATE_LIMIT_EXCEEDED
//  5. Permitida: headers X-RateLimit-* e o próximo handler
//
// Variáveis de ambiente do binário gateway (cmd/gateway) controlam os limites
// de cada política, como LOGIN_MAX_ATTEMPTS, AUTH_WINDOW e API_MAX_ATTEMPTS.
package ratelimit

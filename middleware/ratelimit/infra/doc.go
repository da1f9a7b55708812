// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - Store: registros por chave em mapa fragmentado (lock por shard) com janitor
//   - SuspiciousRegistry: contadores de violação em go-cache + conjunto de suspeitos
//   - SemaphorePool: vagas para entregas de auditoria (golang.org/x/sync/semaphore)
//   - sinks de auditoria: slog, memória, Redis, Postgres, throttle (x/time/rate)
//   - JWTCaptchaVerifier: tokens de CAPTCHA assinados (HS256)
package infra

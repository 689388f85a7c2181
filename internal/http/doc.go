// Package http exposes the consultation service over HTTP.
//
// Every route under /api requires the X-User-ID and X-User-Role headers set by
// the upstream gateway (roles: patient, doctor, admin).
//   - GET /api/doctors, POST /api/doctors, GET|DELETE /api/doctors/{id},
//     POST /api/doctors/{id}/{approve,block,unblock}: doctor directory and the
//     administrator approval workflow, exchanging `doctorDTO`.
//   - POST /api/presence, PUT|DELETE /api/presence/{lease},
//     GET /api/presence/{lease}/events: the doctor heartbeat protocol. The
//     lease arms the server-side fallback that marks the doctor offline when
//     the lease lapses or the event stream drops.
//   - POST /api/consultations (match or resume), GET /api/consultations/active,
//     GET /api/consultations/{id}, POST .../chat, PUT .../vitals,
//     POST .../emergency, POST .../complete, POST .../reassign and the
//     Server-Sent Events stream GET .../events (snapshot, session, chat,
//     notice, closed).
//   - GET /api/patients/{id}/history, GET /api/doctors/{id}/history,
//     GET /api/admin/overview.
//   - GET /healthz and GET /metrics are unauthenticated.
//
// Request/response DTOs live alongside their handlers.
package http

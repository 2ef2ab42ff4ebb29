// Package memory implements the memory tiers of the engine.
//
// WorkingMemory keeps short-lived units under a capacity and TTL bound and hands
// overflow to EpisodicMemory. EpisodicMemory scores experiences for importance and
// emotional significance and consolidates similar ones. SemanticMemory projects text
// into a ConceptGraph through an Extractor. ProceduralMemory keeps learned procedures.
//
// All tiers return copies; callers mutate a copy and write it back through the tier.
// Storage and Index collaborators are optional and mirror every tier write.
package memory

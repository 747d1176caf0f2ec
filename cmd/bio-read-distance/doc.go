/*
bio-read-distance measures, for every properly paired read in a set of
coordinate-sorted BAM files, the distance between the two mates after their
soft-clipped bases are added back. It writes one table per BAM with the
columns

  ref_name read_name read_start read_end mate_start mate_end
  read_length mate_length insert_length overlap_length

insert_length is the gap between the mates, negated when one mate's raw span
is reversed; overlap_length is the number of bases the mates share. Pairs
with a spliced alignment, or whose starts are more than -max-start-distance
bases apart, are left out.

Each BAM needs a .bai index. The references of a BAM are processed in
parallel; the number of workers and the batch sizes follow from the memory
and cores of the machine unless set by flags. Run with -plan to see them.

Sample usage:

  bio-read-distance -input-dir /data/herbaria -output-dir read_distance

  bio-read-distance -format tsv -compress bgzf -ledger done.tsv a.sorted.bam b.sorted.bam

A BAM whose table already exists, or that the -ledger file lists, is skipped,
so an interrupted run can be restarted with the same arguments.
*/
package main
